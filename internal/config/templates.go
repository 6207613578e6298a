package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "peer":
		return peerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hostTemplate = `pipe_dir = "/tmp/pipelink"
create_pipes = true
peers = ["worker"]

message_timeout = "30s"
heartbeat_timeout = "5s"
termination_timeout = "10s"
session_threads = 4
global_threads = 64

status_interval = "30s"
admin_addr = "127.0.0.1:7070"
admin_cors_origins = ["http://localhost:3000"]
# admin_token = "change-me"

[backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[log]
level = "info"
timestamp = true
`

const peerTemplate = `pipe_dir = "/tmp/pipelink"
name = "worker"
heartbeat_interval = "2s"
message_timeout = "30s"
serve_threads = 4
stash_file = "/tmp/pipelink/worker.stash"

[log]
level = "info"
timestamp = true
`
