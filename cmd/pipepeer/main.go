package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/pipelink/internal/config"
	logs "github.com/danmuck/pipelink/internal/logging"
	"github.com/danmuck/pipelink/internal/peer"
	"github.com/danmuck/pipelink/internal/transport"
)

func main() {
	path := flag.String("config", "cmd/pipepeer/config.toml", "peer config path")
	flag.Parse()

	cfg, err := config.LoadPeerConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipepeer: %v\n", err)
		os.Exit(1)
	}
	logs.ConfigureWith(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opener := transport.FIFO{Dir: cfg.PipeDir, Name: cfg.Name}.Peer()
	if err := run(ctx, cfg, opener, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pipepeer: %v\n", err)
		os.Exit(1)
	}
}

// run sends every input line as a request and prints each reply. Host
// requests are answered by echoing them. EOF on in poisons the session.
func run(ctx context.Context, cfg config.PeerConfig, opener transport.Opener, in io.Reader, out io.Writer) error {
	stash, err := config.LoadStash(cfg.StashFile)
	if err != nil {
		return err
	}
	cfg.Peer.Stash = stash

	opts := []peer.Option{
		peer.WithNotificationListener(func(payload []byte) {
			fmt.Fprintf(out, "notice: %s\n", payload)
		}),
	}
	if cfg.StashFile != "" {
		opts = append(opts, peer.WithStashListener(func(stash []byte) {
			if err := config.SaveStash(cfg.StashFile, stash); err != nil {
				logs.Errf("pipepeer stash persist failed path=%s err=%v", cfg.StashFile, err)
			}
		}))
	}
	p := peer.New(cfg.Peer, opener, func(_ context.Context, payload []byte) ([]byte, error) {
		fmt.Fprintf(out, "host: %s\n", payload)
		return payload, nil
	}, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		defer p.Poison()
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			reply, err := p.Call(gctx, line)
			switch {
			case errors.Is(err, peer.ErrRemoteFailure):
				fmt.Fprintln(out, "error: request failed")
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "%s\n", reply)
			}
		}
		return scanner.Err()
	})
	err = g.Wait()
	if errors.Is(err, peer.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
