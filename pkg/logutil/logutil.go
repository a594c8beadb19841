package logutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu sync.Mutex
	sink     = &levelFilterWriter{out: os.Stderr, minLevel: log.InfoLevel}
)

// Configure sets the minimum level printed to stderr.
func Configure(levelRaw string) error {
	return ConfigureWriter(levelRaw, os.Stderr)
}

func ConfigureWriter(levelRaw string, out io.Writer) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := parseConfiguredLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	sink.mu.Lock()
	sink.out = out
	sink.minLevel = level
	sink.mu.Unlock()
	// The logger emits everything; filtering happens in the sink so the
	// level can change without rebuilding loggers.
	log.SetLevel(log.DebugLevel)
	log.SetReportTimestamp(true)
	log.SetOutput(sink)
	return nil
}

func parseConfiguredLevel(levelRaw string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelRaw)) {
	case "trace", "trac":
		return log.DebugLevel, nil
	default:
		level, err := log.ParseLevel(levelRaw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
		}
		return level, nil
	}
}

type levelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		if w.out != nil && extractLogLevel(string(line)) >= w.minLevel {
			_, _ = w.out.Write(line)
		}
	}
	return len(p), nil
}

var levelTokens = []struct {
	level  log.Level
	tokens []string
}{
	{log.DebugLevel, []string{"DEBUG", "DEBU", "TRACE", "TRAC"}},
	{log.WarnLevel, []string{"WARN", "WARNING"}},
	{log.ErrorLevel, []string{"ERROR", "ERRO"}},
	{log.FatalLevel, []string{"FATAL", "FATA"}},
	{log.InfoLevel, []string{"INFO"}},
}

// extractLogLevel recognises both the text formatter's level column and
// logfmt level= fields. Unknown lines count as info.
func extractLogLevel(line string) log.Level {
	fields := strings.Fields(strings.ToUpper(stripANSI(line)))
	for _, f := range fields {
		f = strings.TrimPrefix(f, "LEVEL=")
		for _, lt := range levelTokens {
			for _, tok := range lt.tokens {
				if f == tok {
					return lt.level
				}
			}
		}
	}
	return log.InfoLevel
}

func stripANSI(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
