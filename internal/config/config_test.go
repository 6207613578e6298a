package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/pipelink/internal/session"
	"github.com/danmuck/pipelink/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadHostConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
peers = [" alpha ", "beta", ""]
message_timeout = "2s"
session_threads = 2
admin_addr = "127.0.0.1:7071"

[backoff]
initial_delay = "10ms"
jitter = false

[log]
level = "debug"
file = "/tmp/pipehost.log"
max_backups = 3
`)
	cfg, err := LoadHostConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	svc := cfg.Service
	if len(svc.Peers) != 2 || svc.Peers[0] != "alpha" || svc.Peers[1] != "beta" {
		t.Fatalf("unexpected peers: %+v", svc.Peers)
	}
	if svc.Session.MessageTimeout != 2*time.Second {
		t.Fatalf("unexpected message timeout: %v", svc.Session.MessageTimeout)
	}
	if svc.Session.HeartbeatTimeout != session.DefaultConfig().HeartbeatTimeout {
		t.Fatalf("heartbeat timeout default lost: %v", svc.Session.HeartbeatTimeout)
	}
	if svc.Session.SessionThreads != 2 || svc.Session.GlobalThreads != session.DefaultConfig().GlobalThreads {
		t.Fatalf("unexpected threads: %+v", svc.Session)
	}
	if svc.PipeDir != "/tmp/pipelink" || !svc.CreatePipes {
		t.Fatalf("pipe defaults lost: dir=%q create=%v", svc.PipeDir, svc.CreatePipes)
	}
	if svc.AdminAddr != "127.0.0.1:7071" {
		t.Fatalf("unexpected admin addr: %q", svc.AdminAddr)
	}
	if svc.Backoff.InitialDelay != 10*time.Millisecond || svc.Backoff.Jitter || svc.Backoff.Multiplier != 2.0 {
		t.Fatalf("unexpected backoff: %+v", svc.Backoff)
	}
	if cfg.Log.Level != zerolog.DebugLevel || cfg.Log.File.Path != "/tmp/pipehost.log" || cfg.Log.File.MaxBackups != 3 {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if !cfg.Log.Timestamp {
		t.Fatalf("runtime timestamp default lost")
	}
}

func TestLoadHostConfigErrors(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		want error
	}{
		{name: "no peers", body: `pipe_dir = "/tmp/x"`, want: ErrInvalid},
		{name: "duplicate peer", body: `peers = ["a", "a"]`, want: ErrInvalid},
		{name: "path in name", body: `peers = ["../a"]`, want: ErrInvalid},
		{name: "zero threads", body: "peers = [\"a\"]\nglobal_threads = 0", want: session.ErrInvalidConfig},
		{name: "bad level", body: "peers = [\"a\"]\n[log]\nlevel = \"loud\"", want: ErrInvalid},
	}
	for _, tc := range cases {
		if _, err := LoadHostConfig(writeConfig(t, tc.body)); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if _, err := LoadHostConfig(writeConfig(t, "peers = [\"a\"]\nmessage_timeout = \"soon\"")); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := LoadHostConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestLoadPeerConfig(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
name = "worker"
pipe_dir = "/run/pipes"
heartbeat_interval = "500ms"
stash_file = "/run/pipes/worker.stash"
`)
	cfg, err := LoadPeerConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "worker" || cfg.PipeDir != "/run/pipes" || cfg.StashFile != "/run/pipes/worker.stash" {
		t.Fatalf("unexpected peer config: %+v", cfg)
	}
	if cfg.Peer.HeartbeatInterval != 500*time.Millisecond || cfg.Peer.MessageTimeout != 30*time.Second || cfg.Peer.ServeThreads != 4 {
		t.Fatalf("unexpected peer settings: %+v", cfg.Peer)
	}
	if _, err := LoadPeerConfig(writeConfig(t, `pipe_dir = "/run/pipes"`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected missing name error, got %v", err)
	}
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	hostPath := filepath.Join(dir, "host.toml")
	if err := WriteTemplate(hostPath, "host", false); err != nil {
		t.Fatalf("write host template: %v", err)
	}
	if err := WriteTemplate(hostPath, "host", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if _, err := LoadHostConfig(hostPath); err != nil {
		t.Fatalf("host template does not load: %v", err)
	}
	peerPath := filepath.Join(dir, "peer.toml")
	if err := WriteTemplate(peerPath, "peer", false); err != nil {
		t.Fatalf("write peer template: %v", err)
	}
	if _, err := LoadPeerConfig(peerPath); err != nil {
		t.Fatalf("peer template does not load: %v", err)
	}
	if _, err := Template("mirror"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestStashPersistence(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "worker.stash")
	stash, err := LoadStash(path)
	if err != nil || stash != nil {
		t.Fatalf("missing stash should be empty: %q %v", stash, err)
	}
	if err := SaveStash(path, []byte("cursor=42")); err != nil {
		t.Fatalf("save stash: %v", err)
	}
	stash, err = LoadStash(path)
	if err != nil || string(stash) != "cursor=42" {
		t.Fatalf("reload stash: %q %v", stash, err)
	}
}
