package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnvLogLevel     = "PIPELINK_LOG_LEVEL"
	EnvLogTimestamp = "PIPELINK_LOG_TIMESTAMP"
	EnvLogNoColor   = "PIPELINK_LOG_NOCOLOR"
	EnvLogBypass    = "PIPELINK_LOG_BYPASS"
	EnvLogFile      = "PIPELINK_LOG_FILE"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config describes one process-wide logger setup.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	// Bypass drops every log line; useful for benchmarks.
	Bypass   bool
	File     FileConfig
	Output   io.Writer
	Instance string
}

// FileConfig enables rotating file output next to the console writer.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	configureOnce sync.Once
	mu            sync.RWMutex
	current       = zerolog.Nop()
)

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure applies the profile defaults plus environment overrides once per process.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := DefaultConfig(profile)
		applyEnvOverrides(&cfg)
		Apply(cfg)
	})
}

// ConfigureWith applies an explicit config (loaded from a file) once per process.
// Environment overrides still win over file values.
func ConfigureWith(cfg Config) {
	configureOnce.Do(func() {
		applyEnvOverrides(&cfg)
		Apply(cfg)
	})
}

func DefaultConfig(profile Profile) Config {
	cfg := Config{Output: os.Stderr}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

// Apply builds the global logger from cfg and installs it as zerolog's log.Logger.
func Apply(cfg Config) zerolog.Logger {
	if cfg.Bypass {
		logger := zerolog.Nop()
		install(logger)
		return logger
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	console := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		console.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	writers := []io.Writer{console}
	if path := strings.TrimSpace(cfg.File.Path); path != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    atLeast(cfg.File.MaxSizeMB, 10),
			MaxBackups: atLeast(cfg.File.MaxBackups, 1),
			MaxAge:     atLeast(cfg.File.MaxAgeDays, 7),
			Compress:   cfg.File.Compress,
		})
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.Instance != "" {
		ctx = ctx.Str("app", cfg.Instance)
	}
	logger := ctx.Logger()
	install(logger)
	return logger
}

// Logger returns the configured process logger for structured call sites.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func install(logger zerolog.Logger) {
	mu.Lock()
	current = logger
	mu.Unlock()
	log.Logger = logger
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
		cfg.Bypass = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.File.Path = v
	}
}

// ParseLevel maps the accepted level spellings onto zerolog levels.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func atLeast(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
