// Package transport opens the two unidirectional byte streams a session runs
// over.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	ErrUnsupported   = errors.New("transport: named pipes unsupported on this platform")
	ErrAlreadyOpened = errors.New("transport: pipes already opened")
)

// Pipes is one opened stream pair. In carries peer->host bytes on the host side
// and host->peer bytes on the peer side.
type Pipes struct {
	In  io.ReadCloser
	Out io.WriteCloser

	closeOnce sync.Once
	closeErr  error
}

func NewPipes(in io.ReadCloser, out io.WriteCloser) *Pipes {
	return &Pipes{In: in, Out: out}
}

// Close closes both directions once. Closing In unblocks a pending Read.
func (p *Pipes) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.In != nil {
			errs = append(errs, p.In.Close())
		}
		if p.Out != nil {
			errs = append(errs, p.Out.Close())
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// Opener produces the stream pair for one session.
type Opener interface {
	Open(ctx context.Context) (*Pipes, error)
}

// OpenerFunc adapts a func to Opener.
type OpenerFunc func(ctx context.Context) (*Pipes, error)

func (f OpenerFunc) Open(ctx context.Context) (*Pipes, error) { return f(ctx) }
