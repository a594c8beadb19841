package cmd

import (
	"context"

	"github.com/lkarlslund/tokenmeter/pkg/proxy"
	"github.com/lkarlslund/tokenmeter/pkg/usagedb"
)

// recordFromUsage drops the raw credential and captured text; only the
// redacted token label is persisted.
func recordFromUsage(rec proxy.UsageRecord) usagedb.Record {
	return usagedb.Record{
		ID:              rec.ID,
		Timestamp:       rec.Timestamp.UTC(),
		Token:           rec.TokenLabel,
		Method:          rec.Method,
		Path:            rec.Path,
		Route:           rec.Route,
		InputTokens:     rec.InputTokens,
		OutputTokens:    rec.OutputTokens,
		StatusCode:      rec.StatusCode,
		Outcome:         string(rec.Outcome),
		LatencyMS:       rec.LatencyMS,
		ResponseBytes:   rec.ResponseBytes,
		CaptureOverflow: rec.CaptureOverflow,
	}
}

type recordAppender interface {
	Append(rec usagedb.Record) error
}

func storeObserver(store recordAppender) proxy.RecordObserver {
	return proxy.ObserverFunc(func(rec proxy.UsageRecord) error {
		return store.Append(recordFromUsage(rec))
	})
}

type recordPublisher interface {
	Publish(ctx context.Context, rec usagedb.Record) error
}

// Records are still finalized while the server drains, so publishing does
// not inherit the serve context.
func publisherObserver(pub recordPublisher) proxy.RecordObserver {
	return proxy.ObserverFunc(func(rec proxy.UsageRecord) error {
		return pub.Publish(context.Background(), recordFromUsage(rec))
	})
}
