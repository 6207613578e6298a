package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/pipelink/internal/config"
	"github.com/danmuck/pipelink/internal/host"
	logs "github.com/danmuck/pipelink/internal/logging"
)

func main() {
	path := flag.String("config", "cmd/pipehost/config.toml", "host config path")
	flag.Parse()

	cfg, err := config.LoadHostConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipehost: %v\n", err)
		os.Exit(1)
	}
	logs.ConfigureWith(cfg.Log)

	svc := host.NewService(cfg.Service)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "pipehost: %v\n", err)
		os.Exit(1)
	}
}
