package proxy

import (
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/tokenmeter/pkg/usagelog"
)

type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeAborted      Outcome = "aborted"
	OutcomeBackendError Outcome = "backend_error"
)

// UsageRecord is the accounting state of one proxied request. It is owned by
// a single goroutine at a time and handed to observers as a copy once
// finalized.
type UsageRecord struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	AuthToken       string    `json:"-"`
	TokenLabel      string    `json:"token"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	Route           string    `json:"route"`
	InputText       string    `json:"-"`
	OutputText      string    `json:"-"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	StatusCode      int       `json:"status_code"`
	Outcome         Outcome   `json:"outcome"`
	LatencyMS       int64     `json:"latency_ms"`
	ResponseBytes   int64     `json:"response_bytes"`
	CaptureOverflow bool      `json:"capture_overflow,omitempty"`

	finalized bool
}

// Snapshot returns a copy that is safe to hand to other goroutines.
func (r *UsageRecord) Snapshot() UsageRecord {
	cp := *r
	cp.finalized = false
	return cp
}

// redactToken keeps the scheme and the first four characters of the
// credential so usage can be grouped without persisting secrets.
func redactToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == usagelog.NoToken {
		return usagelog.NoToken
	}
	scheme := ""
	cred := raw
	if parts := strings.SplitN(raw, " ", 2); len(parts) == 2 {
		scheme = parts[0] + " "
		cred = strings.TrimSpace(parts[1])
	}
	if len(cred) <= 4 {
		return scheme + strings.Repeat("*", len(cred))
	}
	return scheme + cred[:4] + strings.Repeat("*", len(cred)-4)
}

type RecordObserver interface {
	ObserveUsage(rec UsageRecord) error
}

type ObserverFunc func(rec UsageRecord) error

func (f ObserverFunc) ObserveUsage(rec UsageRecord) error {
	return f(rec)
}

type namedObserver struct {
	name string
	obs  RecordObserver
}

// Finalizer hands each completed record to the registered observers exactly
// once. Observer failures are logged and never reach the request.
type Finalizer struct {
	observers []namedObserver
}

func NewFinalizer() *Finalizer {
	return &Finalizer{}
}

func (f *Finalizer) Register(name string, obs RecordObserver) {
	if obs == nil {
		return
	}
	f.observers = append(f.observers, namedObserver{name: name, obs: obs})
}

func (f *Finalizer) Finalize(rec *UsageRecord) bool {
	if f == nil || rec == nil {
		return false
	}
	if rec.finalized {
		return false
	}
	rec.finalized = true
	snap := rec.Snapshot()
	for _, o := range f.observers {
		if err := o.obs.ObserveUsage(snap); err != nil {
			log.Warn("usage observer failed", "observer", o.name, "id", snap.ID, "err", err)
		}
	}
	return true
}
