//go:build !unix

package transport

import "context"

func (f FIFO) Ensure() error { return ErrUnsupported }

func (f FIFO) Remove() error { return nil }

func (f FIFO) Open(context.Context) (*Pipes, error) { return nil, ErrUnsupported }
