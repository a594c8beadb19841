package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lkarlslund/tokenmeter/pkg/proxy"
	"github.com/lkarlslund/tokenmeter/pkg/usagedb"
)

func TestRecordFromUsageDropsSecrets(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	rec := recordFromUsage(proxy.UsageRecord{
		ID:           "abc",
		Timestamp:    ts,
		AuthToken:    "Bearer secret-token",
		TokenLabel:   "Bearer secr********",
		Method:       "POST",
		Path:         "/phi2/generate",
		Route:        "/phi2",
		InputText:    "Hello world",
		OutputText:   "Hi",
		InputTokens:  3,
		OutputTokens: 1,
		StatusCode:   200,
		Outcome:      proxy.OutcomeCompleted,
	})
	if rec.Token != "Bearer secr********" {
		t.Fatalf("expected redacted token label, got %q", rec.Token)
	}
	if rec.Outcome != "completed" || rec.InputTokens != 3 || rec.OutputTokens != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Timestamp.Location() != time.UTC || !rec.Timestamp.Equal(ts) {
		t.Fatalf("expected UTC timestamp, got %v", rec.Timestamp)
	}
}

type appendRecorder struct {
	got []usagedb.Record
	err error
}

func (a *appendRecorder) Append(rec usagedb.Record) error {
	a.got = append(a.got, rec)
	return a.err
}

func TestStoreObserverAppendsConvertedRecord(t *testing.T) {
	rec := &appendRecorder{}
	obs := storeObserver(rec)
	if err := obs.ObserveUsage(proxy.UsageRecord{ID: "one", Path: "/rwkv/x", Outcome: proxy.OutcomeAborted}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(rec.got) != 1 || rec.got[0].ID != "one" || rec.got[0].Outcome != "aborted" {
		t.Fatalf("unexpected appended records: %+v", rec.got)
	}

	rec.err = errors.New("disk full")
	if err := obs.ObserveUsage(proxy.UsageRecord{ID: "two"}); err == nil {
		t.Fatal("expected append error to propagate")
	}
}

func TestWriteUsageReport(t *testing.T) {
	store, err := usagedb.OpenSQLite(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	now := time.Now().UTC()
	_ = store.Append(usagedb.Record{ID: "a", Timestamp: now.Add(-time.Minute), Token: "No Token", Path: "/phi2/generate", StatusCode: 200, Outcome: "completed", InputTokens: 4, OutputTokens: 6})
	_ = store.Append(usagedb.Record{ID: "b", Timestamp: now, Token: "Bearer abcd****", Path: "/rwkv/generate", StatusCode: 200, Outcome: "completed", InputTokens: 1, OutputTokens: 2})

	var out bytes.Buffer
	if err := writeUsageReport(&out, store, now.Add(-time.Hour), 10); err != nil {
		t.Fatalf("report: %v", err)
	}
	got := out.String()
	for _, want := range []string{"Requests:", "2", "Input tokens:", "5", "Output tokens:", "8", "/rwkv/generate", "Bearer abcd****"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in report, got:\n%s", want, got)
		}
	}
	if strings.Index(got, "/rwkv/generate") > strings.Index(got, "/phi2/generate") {
		t.Fatalf("expected newest record first, got:\n%s", got)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenmeter.toml")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	defer func() {
		rootCmd.SetOut(os.Stdout)
		rootCmd.SetErr(os.Stderr)
		rootCmd.SetArgs(nil)
		configForce = false
	}()

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file: %v", err)
	}

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error when config already exists")
	}

	rootCmd.SetArgs([]string{"config", "init", "--config", path, "--force"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config init --force: %v", err)
	}

	out.Reset()
	rootCmd.SetArgs([]string{"config", "show", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out.String(), "listen_addr") || !strings.Contains(out.String(), "/phi2") {
		t.Fatalf("unexpected config show output: %s", out.String())
	}
}
