package proxy

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/lkarlslund/tokenmeter/pkg/logutil"
	"github.com/lkarlslund/tokenmeter/pkg/tokenizer"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (l *lineRecorder) WriteLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.lines = append(l.lines, line)
	return nil
}

func (l *lineRecorder) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestRequestInterceptorWritesInputLine(t *testing.T) {
	sink := &lineRecorder{}
	ri := NewRequestInterceptor(tokenizer.HeuristicCounter{}, sink)
	ri.now = fixedClock(time.Date(2026, 3, 1, 9, 30, 15, 123000000, time.UTC))

	body := []byte(`{"prompt":"Hello world"}`)
	r := httptest.NewRequest("POST", "/phi2/generate", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer abc123")
	rec := ri.Intercept(r, body)

	if rec.ID == "" {
		t.Fatal("expected record id")
	}
	if rec.InputText != "Hello world" || rec.InputTokens != 3 {
		t.Fatalf("unexpected input accounting: text=%q tokens=%d", rec.InputText, rec.InputTokens)
	}
	lines := sink.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	want := "2026-03-01T09:30:15.123Z - Token: Bearer abc123 - Path: /phi2/generate - Input Tokens: 3"
	if lines[0] != want {
		t.Fatalf("unexpected line:\nwant %q\ngot  %q", want, lines[0])
	}
}

func TestRequestInterceptorDefaultsToNoToken(t *testing.T) {
	sink := &lineRecorder{}
	ri := NewRequestInterceptor(tokenizer.HeuristicCounter{}, sink)
	r := httptest.NewRequest("GET", "/rwkv/health", nil)
	rec := ri.Intercept(r, nil)
	if rec.AuthToken != "No Token" || rec.TokenLabel != "No Token" {
		t.Fatalf("expected No Token, got %q / %q", rec.AuthToken, rec.TokenLabel)
	}
	if rec.InputTokens != 0 {
		t.Fatalf("expected 0 input tokens, got %d", rec.InputTokens)
	}
	if !strings.Contains(sink.Lines()[0], "- Token: No Token - Path: /rwkv/health - Input Tokens: 0") {
		t.Fatalf("unexpected line: %q", sink.Lines()[0])
	}
}

func TestRequestInterceptorSurvivesSinkFailure(t *testing.T) {
	sink := &lineRecorder{err: errors.New("disk full")}
	ri := NewRequestInterceptor(tokenizer.HeuristicCounter{}, sink)
	r := httptest.NewRequest("POST", "/x", nil)
	if rec := ri.Intercept(r, nil); rec == nil {
		t.Fatal("expected a record even when the sink fails")
	}
}

func TestResponseInterceptorCompleteCountsOutput(t *testing.T) {
	sink := &lineRecorder{}
	ri := NewResponseInterceptor(tokenizer.HeuristicCounter{}, sink)
	ri.now = fixedClock(time.Date(2026, 3, 1, 9, 30, 16, 0, time.UTC))
	rec := &UsageRecord{Path: "/phi2/generate"}
	ri.Complete(rec, ForwardResult{
		StatusCode:  200,
		ContentType: "application/json",
		Captured:    []byte(`{"choices":[{"text":"Paris is the capital"}]}`),
		Bytes:       44,
	})
	if rec.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %s", rec.Outcome)
	}
	if rec.OutputText != "Paris is the capital" || rec.OutputTokens != 5 {
		t.Fatalf("unexpected output accounting: text=%q tokens=%d", rec.OutputText, rec.OutputTokens)
	}
	want := "2026-03-01T09:30:16.000Z - Path: /phi2/generate - Output Tokens: 5"
	if got := sink.Lines(); len(got) != 1 || got[0] != want {
		t.Fatalf("unexpected output lines: %#v", got)
	}
}

func TestResponseInterceptorZeroTokensOnUnparseableBodies(t *testing.T) {
	cases := []ForwardResult{
		{StatusCode: 200, ContentType: "text/plain", Captured: []byte("plain text")},
		{StatusCode: 200, ContentType: "application/json", Captured: []byte(`{"choices":[`)},
		{StatusCode: 200, ContentType: "application/json", Captured: []byte(`{"result":"no choices"}`)},
		{StatusCode: 200, ContentType: "application/json", Captured: nil},
		{StatusCode: 200, ContentType: "application/json", Overflowed: true, Bytes: 1 << 30},
	}
	for i, res := range cases {
		sink := &lineRecorder{}
		ri := NewResponseInterceptor(tokenizer.HeuristicCounter{}, sink)
		rec := &UsageRecord{Path: "/p"}
		ri.Complete(rec, res)
		if rec.OutputTokens != 0 {
			t.Fatalf("case %d: expected 0 output tokens, got %d", i, rec.OutputTokens)
		}
		lines := sink.Lines()
		if len(lines) != 1 || !strings.HasSuffix(lines[0], "- Path: /p - Output Tokens: 0") {
			t.Fatalf("case %d: expected one zero-token output line, got %#v", i, lines)
		}
	}
}

func TestResponseInterceptorDecodesGzipCapture(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, _ = zw.Write([]byte(`{"choices":[{"message":{"content":"Hello there"}}]}`))
	_ = zw.Close()

	sink := &lineRecorder{}
	ri := NewResponseInterceptor(tokenizer.HeuristicCounter{}, sink)
	rec := &UsageRecord{Path: "/p"}
	ri.Complete(rec, ForwardResult{
		StatusCode:      200,
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		Captured:        compressed.Bytes(),
	})
	if rec.OutputText != "Hello there" {
		t.Fatalf("expected decoded output text, got %q", rec.OutputText)
	}
}

func TestResponseInterceptorAbortWritesNoLine(t *testing.T) {
	sink := &lineRecorder{}
	ri := NewResponseInterceptor(tokenizer.HeuristicCounter{}, sink)
	rec := &UsageRecord{Path: "/p"}
	ri.Abort(rec, OutcomeAborted, ForwardResult{StatusCode: 200, Bytes: 10, Err: errors.New("broken pipe"), ClientGone: true})
	if rec.Outcome != OutcomeAborted {
		t.Fatalf("expected aborted outcome, got %s", rec.Outcome)
	}
	if len(sink.Lines()) != 0 {
		t.Fatalf("expected no output line, got %#v", sink.Lines())
	}
}

func TestFinalizerRunsObserversOnce(t *testing.T) {
	f := NewFinalizer()
	calls := 0
	f.Register("count", ObserverFunc(func(UsageRecord) error {
		calls++
		return nil
	}))
	f.Register("failing", ObserverFunc(func(UsageRecord) error {
		return errors.New("observer down")
	}))
	rec := &UsageRecord{ID: "r1"}
	if !f.Finalize(rec) {
		t.Fatal("expected first finalize to run")
	}
	if f.Finalize(rec) {
		t.Fatal("expected second finalize to be a no-op")
	}
	if calls != 1 {
		t.Fatalf("expected 1 observer call, got %d", calls)
	}
}

func TestRedactToken(t *testing.T) {
	tests := map[string]string{
		"":                "No Token",
		"No Token":        "No Token",
		"Bearer abcdefgh": "Bearer abcd****",
		"Bearer ab":       "Bearer **",
		"rawkey12345":     "rawk*******",
	}
	for in, want := range tests {
		if got := redactToken(in); got != want {
			t.Fatalf("redactToken(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestResponseInterceptorBoundsDecodedCapture(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, _ = zw.Write([]byte(`{"choices":[{"text":"`))
	_, _ = zw.Write(bytes.Repeat([]byte(" "), 8<<20))
	_, _ = zw.Write([]byte(`"}]}`))
	_ = zw.Close()
	if compressed.Len() >= 1<<20 {
		t.Fatalf("expected compressed capture under the limit, got %d bytes", compressed.Len())
	}

	sink := &lineRecorder{}
	ri := NewResponseInterceptor(tokenizer.HeuristicCounter{}, sink)
	rec := &UsageRecord{Path: "/p"}
	ri.Complete(rec, ForwardResult{
		StatusCode:      200,
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		Captured:        compressed.Bytes(),
		CaptureLimit:    1 << 20,
	})
	if rec.OutputTokens != 0 || rec.OutputText != "" {
		t.Fatalf("expected 0 output tokens, got %d (%d bytes of text)", rec.OutputTokens, len(rec.OutputText))
	}
	if !rec.CaptureOverflow {
		t.Fatal("expected capture overflow to be recorded")
	}
	lines := sink.Lines()
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "- Output Tokens: 0") {
		t.Fatalf("expected one zero-token output line, got %#v", lines)
	}
}

func TestDecodeCaptureLimitsZstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	compressed := enc.EncodeAll(bytes.Repeat([]byte("a"), 2<<20), nil)
	_ = enc.Close()

	if _, err := decodeCapture("zstd", compressed, 1<<20); !errors.Is(err, errDecodedCaptureTooLarge) {
		t.Fatalf("expected decoded size error, got %v", err)
	}
	out, err := decodeCapture("zstd", compressed, 4<<20)
	if err != nil {
		t.Fatalf("decode within limit: %v", err)
	}
	if len(out) != 2<<20 {
		t.Fatalf("expected %d decoded bytes, got %d", 2<<20, len(out))
	}
}

func TestResponseInterceptorWarnsOnUnstructuredBody(t *testing.T) {
	var logs bytes.Buffer
	if err := logutil.ConfigureWriter("warn", &logs); err != nil {
		t.Fatalf("configure logging: %v", err)
	}
	defer func() { _ = logutil.Configure("info") }()

	ri := NewResponseInterceptor(tokenizer.HeuristicCounter{}, &lineRecorder{})
	ri.Complete(&UsageRecord{Path: "/phi2/generate"}, ForwardResult{
		StatusCode:  200,
		ContentType: "text/plain",
		Captured:    []byte("not json at all"),
	})
	got := logs.String()
	if !strings.Contains(got, "response body not structured") || !strings.Contains(got, "WARN") {
		t.Fatalf("expected warning for unstructured body, got %q", got)
	}

	logs.Reset()
	ri.Complete(&UsageRecord{Path: "/phi2/generate"}, ForwardResult{StatusCode: 204})
	if strings.Contains(logs.String(), "empty response body") {
		t.Fatalf("expected empty body to stay below warn level, got %q", logs.String())
	}
}
