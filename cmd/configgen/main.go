package main

import (
	"flag"
	"log"

	"github.com/danmuck/pipelink/internal/config"
)

func main() {
	kind := flag.String("kind", "host", "config kind: host|peer")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		switch *kind {
		case "host":
			if _, err := config.LoadHostConfig(path); err != nil {
				log.Fatal(err)
			}
		case "peer":
			if _, err := config.LoadPeerConfig(path); err != nil {
				log.Fatal(err)
			}
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "host":
		return "cmd/pipehost/config.toml"
	case "peer":
		return "cmd/pipepeer/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
