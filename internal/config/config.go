package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/pipelink/internal/host"
	logs "github.com/danmuck/pipelink/internal/logging"
	"github.com/danmuck/pipelink/internal/peer"
)

var ErrInvalid = errors.New("config: invalid")

// HostConfig is everything pipehost reads from its TOML file.
type HostConfig struct {
	Service host.ServiceConfig
	Log     logs.Config
}

// PeerConfig is everything pipepeer reads from its TOML file.
type PeerConfig struct {
	PipeDir   string
	Name      string
	StashFile string
	Peer      peer.Config
	Log       logs.Config
}

type logFile struct {
	Level      string `toml:"level"`
	Timestamp  bool   `toml:"timestamp"`
	NoColor    bool   `toml:"no_color"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type backoffFile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type hostFile struct {
	PipeDir            string      `toml:"pipe_dir"`
	CreatePipes        bool        `toml:"create_pipes"`
	Peers              []string    `toml:"peers"`
	MessageTimeout     string      `toml:"message_timeout"`
	HeartbeatTimeout   string      `toml:"heartbeat_timeout"`
	TerminationTimeout string      `toml:"termination_timeout"`
	SessionThreads     int         `toml:"session_threads"`
	GlobalThreads      int         `toml:"global_threads"`
	StatusInterval     string      `toml:"status_interval"`
	AdminAddr          string      `toml:"admin_addr"`
	AdminCORSOrigins   []string    `toml:"admin_cors_origins"`
	AdminToken         string      `toml:"admin_token"`
	Backoff            backoffFile `toml:"backoff"`
	Log                logFile     `toml:"log"`
}

type peerFile struct {
	PipeDir           string  `toml:"pipe_dir"`
	Name              string  `toml:"name"`
	HeartbeatInterval string  `toml:"heartbeat_interval"`
	MessageTimeout    string  `toml:"message_timeout"`
	ServeThreads      int     `toml:"serve_threads"`
	StashFile         string  `toml:"stash_file"`
	Log               logFile `toml:"log"`
}

// LoadHostConfig reads path over host.DefaultServiceConfig. Keys missing from
// the file keep their defaults.
func LoadHostConfig(path string) (HostConfig, error) {
	cfg := HostConfig{
		Service: host.DefaultServiceConfig(),
		Log:     logs.DefaultConfig(logs.ProfileRuntime),
	}

	var raw hostFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return HostConfig{}, fmt.Errorf("load host config (%s): %w", path, err)
	}
	svc := &cfg.Service

	if meta.IsDefined("pipe_dir") {
		svc.PipeDir = strings.TrimSpace(raw.PipeDir)
	}
	if meta.IsDefined("create_pipes") {
		svc.CreatePipes = raw.CreatePipes
	}
	if meta.IsDefined("peers") {
		svc.Peers = normalizeList(raw.Peers)
	}
	durations := []struct {
		key string
		raw string
		out *time.Duration
	}{
		{"message_timeout", raw.MessageTimeout, &svc.Session.MessageTimeout},
		{"heartbeat_timeout", raw.HeartbeatTimeout, &svc.Session.HeartbeatTimeout},
		{"termination_timeout", raw.TerminationTimeout, &svc.Session.TerminationTimeout},
		{"status_interval", raw.StatusInterval, &svc.StatusInterval},
		{"backoff.initial_delay", raw.Backoff.InitialDelay, &svc.Backoff.InitialDelay},
		{"backoff.max_delay", raw.Backoff.MaxDelay, &svc.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if err := parseDuration(meta, d.key, d.raw, d.out); err != nil {
			return HostConfig{}, err
		}
	}
	if meta.IsDefined("session_threads") {
		svc.Session.SessionThreads = raw.SessionThreads
	}
	if meta.IsDefined("global_threads") {
		svc.Session.GlobalThreads = raw.GlobalThreads
	}
	if meta.IsDefined("admin_addr") {
		svc.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_cors_origins") {
		svc.AdminCORSOrigins = normalizeList(raw.AdminCORSOrigins)
	}
	if meta.IsDefined("admin_token") {
		svc.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("backoff", "multiplier") {
		svc.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		svc.Backoff.Jitter = raw.Backoff.Jitter
	}
	if err := applyLog(meta, raw.Log, &cfg.Log); err != nil {
		return HostConfig{}, err
	}

	if err := ValidateHostConfig(cfg); err != nil {
		return HostConfig{}, fmt.Errorf("host config (%s): %w", path, err)
	}
	return cfg, nil
}

// LoadPeerConfig reads path over peer.DefaultConfig.
func LoadPeerConfig(path string) (PeerConfig, error) {
	cfg := PeerConfig{
		PipeDir: host.DefaultServiceConfig().PipeDir,
		Peer:    peer.DefaultConfig(),
		Log:     logs.DefaultConfig(logs.ProfileRuntime),
	}

	var raw peerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("load peer config (%s): %w", path, err)
	}

	if meta.IsDefined("pipe_dir") {
		cfg.PipeDir = strings.TrimSpace(raw.PipeDir)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("stash_file") {
		cfg.StashFile = strings.TrimSpace(raw.StashFile)
	}
	if err := parseDuration(meta, "heartbeat_interval", raw.HeartbeatInterval, &cfg.Peer.HeartbeatInterval); err != nil {
		return PeerConfig{}, err
	}
	if err := parseDuration(meta, "message_timeout", raw.MessageTimeout, &cfg.Peer.MessageTimeout); err != nil {
		return PeerConfig{}, err
	}
	if meta.IsDefined("serve_threads") {
		cfg.Peer.ServeThreads = raw.ServeThreads
	}
	if err := applyLog(meta, raw.Log, &cfg.Log); err != nil {
		return PeerConfig{}, err
	}

	if err := ValidatePeerConfig(cfg); err != nil {
		return PeerConfig{}, fmt.Errorf("peer config (%s): %w", path, err)
	}
	return cfg, nil
}

// LoadStash reads the persisted stash for a peer. A missing file is an empty
// stash.
func LoadStash(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stash (%s): %w", path, err)
	}
	return data, nil
}

// SaveStash persists stash through a rename so readers never see a torn file.
func SaveStash(path string, stash []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, stash, 0o600); err != nil {
		return fmt.Errorf("write stash (%s): %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write stash (%s): %w", path, err)
	}
	return nil
}

func ValidateHostConfig(cfg HostConfig) error {
	svc := cfg.Service
	if len(svc.Peers) == 0 {
		return fmt.Errorf("%w: peers must name at least one peer", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(svc.Peers))
	for i, name := range svc.Peers {
		if err := validateName(name); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate peer %q", ErrInvalid, name)
		}
		seen[name] = struct{}{}
	}
	if strings.TrimSpace(svc.PipeDir) == "" {
		return fmt.Errorf("%w: pipe_dir is required", ErrInvalid)
	}
	if svc.StatusInterval <= 0 {
		return fmt.Errorf("%w: status_interval must be positive", ErrInvalid)
	}
	if svc.Backoff.InitialDelay < 0 || svc.Backoff.MaxDelay < 0 {
		return fmt.Errorf("%w: backoff delays must not be negative", ErrInvalid)
	}
	if err := svc.Session.Validate(); err != nil {
		return err
	}
	return nil
}

func ValidatePeerConfig(cfg PeerConfig) error {
	if err := validateName(cfg.Name); err != nil {
		return fmt.Errorf("name: %w", err)
	}
	if strings.TrimSpace(cfg.PipeDir) == "" {
		return fmt.Errorf("%w: pipe_dir is required", ErrInvalid)
	}
	if cfg.Peer.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalid)
	}
	if cfg.Peer.MessageTimeout <= 0 {
		return fmt.Errorf("%w: message_timeout must be positive", ErrInvalid)
	}
	if cfg.Peer.ServeThreads <= 0 {
		return fmt.Errorf("%w: serve_threads must be positive", ErrInvalid)
	}
	return nil
}

// Peer names become file names under pipe_dir.
func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty peer name", ErrInvalid)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: peer name %q is not a plain file name", ErrInvalid, name)
	}
	return nil
}

func parseDuration(meta toml.MetaData, key, raw string, out *time.Duration) error {
	if !meta.IsDefined(strings.Split(key, ".")...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*out = d
	return nil
}

func applyLog(meta toml.MetaData, raw logFile, out *logs.Config) error {
	if meta.IsDefined("log", "level") {
		lvl, ok := logs.ParseLevel(raw.Level)
		if !ok {
			return fmt.Errorf("%w: unknown log level %q", ErrInvalid, raw.Level)
		}
		out.Level = lvl
	}
	if meta.IsDefined("log", "timestamp") {
		out.Timestamp = raw.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		out.NoColor = raw.NoColor
	}
	if meta.IsDefined("log", "file") {
		out.File.Path = strings.TrimSpace(raw.File)
	}
	if meta.IsDefined("log", "max_size_mb") {
		out.File.MaxSizeMB = raw.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		out.File.MaxBackups = raw.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		out.File.MaxAgeDays = raw.MaxAgeDays
	}
	if meta.IsDefined("log", "compress") {
		out.File.Compress = raw.Compress
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
