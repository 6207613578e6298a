//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"

	logs "github.com/danmuck/pipelink/internal/logging"
)

// Ensure creates both FIFOs if they do not exist.
func (f FIFO) Ensure() error {
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("transport: create pipe dir: %w", err)
	}
	for _, path := range []string{f.UpPath(), f.DownPath()} {
		err := unix.Mkfifo(path, 0o600)
		if err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("transport: mkfifo %s: %w", path, err)
		}
	}
	return nil
}

// Remove deletes both FIFOs.
func (f FIFO) Remove() error {
	var errs []error
	for _, path := range []string{f.UpPath(), f.DownPath()} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open blocks until the other side opens its ends or ctx ends.
func (f FIFO) Open(ctx context.Context) (*Pipes, error) {
	if f.Create {
		if err := f.Ensure(); err != nil {
			return nil, err
		}
	}
	if f.peerSide {
		up, err := openFIFO(ctx, f.UpPath(), os.O_WRONLY)
		if err != nil {
			return nil, err
		}
		down, err := openFIFO(ctx, f.DownPath(), os.O_RDONLY)
		if err != nil {
			_ = up.Close()
			return nil, err
		}
		logs.Debugf("transport.FIFO.Open side=peer name=%s", f.Name)
		return NewPipes(down, up), nil
	}

	up, err := openFIFO(ctx, f.UpPath(), os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	down, err := openFIFO(ctx, f.DownPath(), os.O_WRONLY)
	if err != nil {
		_ = up.Close()
		return nil, err
	}
	logs.Debugf("transport.FIFO.Open side=host name=%s", f.Name)
	return NewPipes(up, down), nil
}

type openResult struct {
	file *os.File
	err  error
}

// openFIFO performs the blocking open on a goroutine. On cancellation it opens
// the counterpart end non-blocking so the pending open returns; the late file
// is closed when it arrives.
func openFIFO(ctx context.Context, path string, flag int) (*os.File, error) {
	done := make(chan openResult, 1)
	go func() {
		file, err := os.OpenFile(path, flag, 0)
		done <- openResult{file: file, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("transport: open %s: %w", path, res.err)
		}
		return res.file, nil
	case <-ctx.Done():
	}

	counter := os.O_RDONLY
	if flag == os.O_RDONLY {
		counter = os.O_WRONLY
	}
	if unblock, err := os.OpenFile(path, counter|unix.O_NONBLOCK, 0); err == nil {
		_ = unblock.Close()
	} else {
		logs.Debugf("transport.openFIFO unblock path=%s err=%v", path, err)
	}
	go func() {
		if res := <-done; res.file != nil {
			_ = res.file.Close()
		}
	}()
	return nil, ctx.Err()
}
