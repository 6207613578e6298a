package protocol

import (
	"fmt"
	"io"

	"github.com/danmuck/pipelink/internal/protocol/frame"
	"github.com/danmuck/pipelink/internal/protocol/schema"
)

// Tag routes an envelope to control handling or application dispatch.
type Tag uint32

const (
	TagControl     = Tag(schema.MsgControl)
	TagApplication = Tag(schema.MsgApplication)
)

func (t Tag) Known() bool {
	return t == TagControl || t == TagApplication
}

// CheckTag returns ErrUnknownTag for tags this version does not route. Readers
// drop such envelopes and keep going.
func CheckTag(t Tag) error {
	if t.Known() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownTag, t)
}

func (t Tag) String() string {
	switch t {
	case TagControl:
		return "control"
	case TagApplication:
		return "application"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Envelope is one routed unit on the channel. Payload is the encoded body for
// the tag; Priority is carried on the wire but does not reorder delivery.
type Envelope struct {
	Tag      Tag
	Priority uint8
	Seq      uint64
	Payload  []byte
}

// Codec reads and writes envelopes on a byte stream. Implementations are used
// by one goroutine per direction.
type Codec interface {
	ReadEnvelope(r io.Reader) (Envelope, error)
	WriteEnvelope(w io.Writer, env Envelope) error
}

// FrameCodec encodes envelopes as frames.
type FrameCodec struct {
	Limits frame.Limits
}

func NewFrameCodec() FrameCodec {
	return FrameCodec{Limits: frame.DefaultLimits()}
}

func (c FrameCodec) ReadEnvelope(r io.Reader) (Envelope, error) {
	f, err := frame.ReadFrame(r, c.Limits)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Tag:      Tag(f.Header.MessageType),
		Priority: f.Header.Priority(),
		Seq:      f.Header.MessageID,
		Payload:  f.Payload,
	}, nil
}

func (c FrameCodec) WriteEnvelope(w io.Writer, env Envelope) error {
	if uint64(len(env.Payload)) > c.Limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %w", ErrRejected, frame.ErrPayloadTooLarge)
	}
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			MessageID:   env.Seq,
			MessageType: uint32(env.Tag),
			Flags:       frame.WithPriority(0, env.Priority),
		},
		Payload: env.Payload,
	}, c.Limits)
}
