package protocol

import "errors"

var (
	ErrUnknownTag       = errors.New("protocol: unknown routing tag")
	ErrUnknownOperation = errors.New("protocol: unknown control operation")
	ErrTagMismatch      = errors.New("protocol: body does not match routing tag")
	ErrMalformedBody    = errors.New("protocol: malformed body")

	// ErrRejected marks an envelope refused before any byte reached the
	// stream. The stream remains usable.
	ErrRejected = errors.New("protocol: envelope rejected")
)
