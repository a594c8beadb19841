package usagelog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatLines(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 15, 123_000_000, time.UTC)
	in := FormatInputLine(ts, "Bearer abc", "/phi2/generate", 12)
	want := "2026-03-01T09:30:15.123Z - Token: Bearer abc - Path: /phi2/generate - Input Tokens: 12"
	if in != want {
		t.Fatalf("unexpected input line:\n got %q\nwant %q", in, want)
	}
	out := FormatOutputLine(ts, "/phi2/generate", 7)
	want = "2026-03-01T09:30:15.123Z - Path: /phi2/generate - Output Tokens: 7"
	if out != want {
		t.Fatalf("unexpected output line:\n got %q\nwant %q", out, want)
	}
}

func TestFormatInputLineDefaultsToNoToken(t *testing.T) {
	line := FormatInputLine(time.Unix(0, 0), "", "/x", 0)
	if !strings.Contains(line, "Token: No Token - ") {
		t.Fatalf("expected No Token sentinel, got %q", line)
	}
}

func TestSinkAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "token-usage.log")
	s, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.WriteLine("one"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteLine("two\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := s2.WriteLine("three"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = s2.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(b); got != "one\ntwo\nthree\n" {
		t.Fatalf("unexpected file content %q", got)
	}
}

func TestSinkWriteAfterCloseFails(t *testing.T) {
	s := NewWriterSink(&bytes.Buffer{})
	_ = s.Close()
	if err := s.WriteLine("late"); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestSinkConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = s.WriteLine(fmt.Sprintf("worker=%02d seq=%03d %s", w, i, strings.Repeat("x", 200)))
			}
		}(w)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != workers*perWorker {
		t.Fatalf("expected %d lines, got %d", workers*perWorker, len(lines))
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "worker=") || !strings.HasSuffix(l, strings.Repeat("x", 200)) {
			t.Fatalf("interleaved line: %q", l)
		}
	}
}
