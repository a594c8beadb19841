package usagelog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TimestampLayout matches the ISO8601 form with millisecond precision in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const NoToken = "No Token"

type Options struct {
	Path    string
	Console bool
}

// Sink is an append-only destination for usage lines. Every line is written
// with a single Write call while holding the sink lock, so concurrent
// requests never interleave within a line.
type Sink struct {
	mu      sync.Mutex
	file    *os.File
	console io.Writer
	closed  bool
}

func Open(opts Options) (*Sink, error) {
	s := &Sink{}
	path := strings.TrimSpace(opts.Path)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create usage log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open usage log: %w", err)
		}
		s.file = f
	}
	if opts.Console || s.file == nil {
		s.console = os.Stdout
	}
	return s, nil
}

// NewWriterSink is used by tests and embedders that already own a writer.
func NewWriterSink(w io.Writer) *Sink {
	return &Sink{console: w}
}

func (s *Sink) WriteLine(line string) error {
	if s == nil {
		return nil
	}
	line = strings.TrimRight(line, "\r\n") + "\n"
	b := []byte(line)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("usage log closed")
	}
	var errs []error
	if s.file != nil {
		if _, err := s.file.Write(b); err != nil {
			errs = append(errs, fmt.Errorf("write usage log file: %w", err))
		}
	}
	if s.console != nil {
		if _, err := s.console.Write(b); err != nil {
			errs = append(errs, fmt.Errorf("write usage log console: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

func FormatInputLine(ts time.Time, token, path string, inputTokens int) string {
	if token == "" {
		token = NoToken
	}
	return fmt.Sprintf("%s - Token: %s - Path: %s - Input Tokens: %d", FormatTimestamp(ts), token, path, inputTokens)
}

func FormatOutputLine(ts time.Time, path string, outputTokens int) string {
	return fmt.Sprintf("%s - Path: %s - Output Tokens: %d", FormatTimestamp(ts), path, outputTokens)
}
