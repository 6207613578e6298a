package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"info":    zerolog.InfoLevel,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("unknown level should not parse")
	}
	if _, ok := ParseLevel(""); ok {
		t.Fatalf("empty level should not parse")
	}
}

func TestApplyWritesThroughConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := Apply(Config{Level: zerolog.DebugLevel, NoColor: true, Output: &buf, Instance: "pipelink-test"})
	logger.Debug().Msg("hello")
	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "pipelink-test") {
		t.Fatalf("unexpected console output: %q", out)
	}
	// Restore the test profile so later tests keep logging to stderr.
	Apply(DefaultConfig(ProfileTest))
}

func TestApplyBypass(t *testing.T) {
	var buf bytes.Buffer
	Apply(Config{Level: zerolog.DebugLevel, Output: &buf, Bypass: true})
	Infof("dropped line")
	if buf.Len() != 0 {
		t.Fatalf("bypass should drop output, got %q", buf.String())
	}
	Apply(DefaultConfig(ProfileTest))
}
