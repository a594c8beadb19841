package proxy

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/tokenmeter/pkg/cache"
)

const usageBucketSize = 5 * time.Minute
const usagePersistInterval = 5 * time.Second
const usageRetention = 30 * 24 * time.Hour
const usageStatsVersion = 1

type StatsSummary struct {
	PeriodSeconds    int64          `json:"period_seconds"`
	Requests         int            `json:"requests"`
	Aborted          int            `json:"aborted"`
	InputTokens      int            `json:"input_tokens"`
	OutputTokens     int            `json:"output_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	ResponseBytes    int64          `json:"response_bytes"`
	AvgLatencyMS     float64        `json:"avg_latency_ms"`
	RequestsPerRoute map[string]int `json:"requests_per_route"`
	RequestsPerToken map[string]int `json:"requests_per_token"`
	TokensPerRoute   map[string]int `json:"tokens_per_route"`
	Buckets          []UsageBucket  `json:"buckets,omitempty"`
}

type UsageBucket struct {
	StartAt       time.Time `json:"start_at"`
	Route         string    `json:"route"`
	Token         string    `json:"token"`
	Requests      int       `json:"requests"`
	Aborted       int       `json:"aborted"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	ResponseBytes int64     `json:"response_bytes"`
	LatencyMSSum  int64     `json:"latency_ms_sum"`
}

type usageStatsFile struct {
	Version int           `json:"version"`
	Buckets []UsageBucket `json:"buckets"`
}

// StatsStore aggregates finalized usage records into five minute buckets
// per route and redacted token.
type StatsStore struct {
	mu       sync.RWMutex
	buckets  map[string]*UsageBucket
	maxKeep  int
	path     string
	dirty    bool
	lastSave time.Time
}

func NewStatsStore(maxKeep int) *StatsStore {
	return newStatsStore(maxKeep, "")
}

func NewPersistentStatsStore(maxKeep int, path string) *StatsStore {
	return newStatsStore(maxKeep, path)
}

func newStatsStore(maxKeep int, path string) *StatsStore {
	if maxKeep <= 0 {
		maxKeep = 10000
	}
	s := &StatsStore{
		buckets: map[string]*UsageBucket{},
		maxKeep: maxKeep,
		path:    strings.TrimSpace(path),
	}
	if s.path != "" {
		s.load()
	}
	return s
}

func (s *StatsStore) ObserveUsage(rec UsageRecord) error {
	s.Add(rec)
	return nil
}

func (s *StatsStore) Add(rec UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	start := ts.UTC().Truncate(usageBucketSize)
	token := rec.TokenLabel
	if token == "" {
		token = redactToken(rec.AuthToken)
	}
	key := bucketKey(start, rec.Route, token)
	b, ok := s.buckets[key]
	if !ok {
		b = &UsageBucket{StartAt: start, Route: rec.Route, Token: token}
		s.buckets[key] = b
	}
	b.Requests++
	if rec.Outcome != OutcomeCompleted {
		b.Aborted++
	}
	b.InputTokens += rec.InputTokens
	b.OutputTokens += rec.OutputTokens
	b.ResponseBytes += rec.ResponseBytes
	b.LatencyMSSum += rec.LatencyMS
	s.pruneLocked()
	s.dirty = true
	if s.path != "" && time.Since(s.lastSave) >= usagePersistInterval {
		s.saveLocked()
	}
}

func (s *StatsStore) Summary(period time.Duration) StatsSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-period)
	summary := StatsSummary{
		PeriodSeconds:    int64(period.Seconds()),
		RequestsPerRoute: map[string]int{},
		RequestsPerToken: map[string]int{},
		TokensPerRoute:   map[string]int{},
	}
	var latencySum int64
	for _, b := range s.buckets {
		if b.StartAt.Add(usageBucketSize).Before(cutoff) {
			continue
		}
		summary.Requests += b.Requests
		summary.Aborted += b.Aborted
		summary.InputTokens += b.InputTokens
		summary.OutputTokens += b.OutputTokens
		summary.ResponseBytes += b.ResponseBytes
		latencySum += b.LatencyMSSum
		summary.RequestsPerRoute[b.Route] += b.Requests
		summary.RequestsPerToken[b.Token] += b.Requests
		summary.TokensPerRoute[b.Route] += b.InputTokens + b.OutputTokens
		summary.Buckets = append(summary.Buckets, *b)
	}
	summary.TotalTokens = summary.InputTokens + summary.OutputTokens
	sortBuckets(summary.Buckets)
	if summary.Requests > 0 {
		summary.AvgLatencyMS = float64(latencySum) / float64(summary.Requests)
	}
	return summary
}

// Flush writes pending buckets regardless of the persist interval.
func (s *StatsStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked()
}

func sortBuckets(buckets []UsageBucket) {
	sort.Slice(buckets, func(i, j int) bool {
		if !buckets[i].StartAt.Equal(buckets[j].StartAt) {
			return buckets[i].StartAt.Before(buckets[j].StartAt)
		}
		if buckets[i].Route != buckets[j].Route {
			return buckets[i].Route < buckets[j].Route
		}
		return buckets[i].Token < buckets[j].Token
	})
}

func bucketKey(start time.Time, route, token string) string {
	return start.Format(time.RFC3339) + "|" + route + "|" + token
}

func (s *StatsStore) pruneLocked() {
	if len(s.buckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-usageRetention)
	for k, b := range s.buckets {
		if b.StartAt.Before(cutoff) {
			delete(s.buckets, k)
		}
	}
	if len(s.buckets) <= s.maxKeep {
		return
	}
	type kv struct {
		key string
		at  time.Time
	}
	items := make([]kv, 0, len(s.buckets))
	for k, b := range s.buckets {
		items = append(items, kv{key: k, at: b.StartAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })
	drop := len(items) - s.maxKeep
	for i := 0; i < drop; i++ {
		delete(s.buckets, items[i].key)
	}
}

func (s *StatsStore) load() {
	var payload usageStatsFile
	if err := cache.LoadJSON(s.path, &payload); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.Warn("usage stats not loaded", "path", s.path, "err", err)
		}
		return
	}
	if payload.Version != usageStatsVersion {
		return
	}
	for i := range payload.Buckets {
		bk := payload.Buckets[i]
		s.buckets[bucketKey(bk.StartAt, bk.Route, bk.Token)] = &bk
	}
	s.pruneLocked()
}

func (s *StatsStore) saveLocked() {
	if s.path == "" || !s.dirty {
		return
	}
	out := usageStatsFile{Version: usageStatsVersion, Buckets: make([]UsageBucket, 0, len(s.buckets))}
	for _, b := range s.buckets {
		out.Buckets = append(out.Buckets, *b)
	}
	sortBuckets(out.Buckets)
	if err := cache.SaveJSON(s.path, out); err != nil {
		log.Warn("usage stats not saved", "path", s.path, "err", err)
		return
	}
	s.lastSave = time.Now()
	s.dirty = false
}
