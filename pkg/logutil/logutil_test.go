package logutil

import (
	"bytes"
	"strings"
	"testing"

	log "github.com/charmbracelet/log"
)

func TestParseConfiguredLevel(t *testing.T) {
	cases := map[string]log.Level{
		"debug": log.DebugLevel,
		"trace": log.DebugLevel,
		"INFO":  log.InfoLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	}
	for raw, want := range cases {
		got, err := parseConfiguredLevel(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("expected %v for %q, got %v", want, raw, got)
		}
	}
	if _, err := parseConfiguredLevel("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestExtractLogLevel(t *testing.T) {
	cases := map[string]log.Level{
		"2026-03-01 10:00:00 DEBU starting":        log.DebugLevel,
		"2026-03-01 10:00:00 WARN slow backend":    log.WarnLevel,
		"\x1b[31mERRO\x1b[0m failed":               log.ErrorLevel,
		"time=2026-03-01 level=warn msg=hello":     log.WarnLevel,
		"plain line without any level information": log.InfoLevel,
	}
	for line, want := range cases {
		if got := extractLogLevel(line); got != want {
			t.Fatalf("expected %v for %q, got %v", want, line, got)
		}
	}
}

func TestLevelFilterWriterDropsBelowMinimum(t *testing.T) {
	var out bytes.Buffer
	w := &levelFilterWriter{out: &out, minLevel: log.WarnLevel}
	_, _ = w.Write([]byte("DEBU noisy\nINFO routine\nWARN "))
	_, _ = w.Write([]byte("partial line\nERRO broken\n"))
	got := out.String()
	if strings.Contains(got, "noisy") || strings.Contains(got, "routine") {
		t.Fatalf("expected low levels filtered, got %q", got)
	}
	if !strings.Contains(got, "WARN partial line\n") || !strings.Contains(got, "ERRO broken\n") {
		t.Fatalf("expected warn and error lines, got %q", got)
	}
}

func TestConfigureWriterRejectsBadLevel(t *testing.T) {
	if err := ConfigureWriter("loud", &bytes.Buffer{}); err == nil {
		t.Fatal("expected invalid level error")
	}
}

func TestConfigureWriterRoutesLogger(t *testing.T) {
	var out bytes.Buffer
	if err := ConfigureWriter("info", &out); err != nil {
		t.Fatalf("configure: %v", err)
	}
	defer func() { _ = Configure("info") }()
	log.Debug("hidden detail")
	log.Info("visible message")
	got := out.String()
	if strings.Contains(got, "hidden detail") {
		t.Fatalf("expected debug line filtered, got %q", got)
	}
	if !strings.Contains(got, "visible message") {
		t.Fatalf("expected info line, got %q", got)
	}
}
