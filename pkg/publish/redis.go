package publish

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lkarlslund/tokenmeter/pkg/usagedb"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream  = "tokenmeter:usage"
	defaultMaxLen  = 10000
	publishTimeout = 2 * time.Second
)

// RedisPublisher appends finalized usage records to a Redis stream so other
// services can consume them.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisPublisher(ctx context.Context, url, stream string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: defaultMaxLen}, nil
}

func (p *RedisPublisher) Stream() string {
	return p.stream
}

func (p *RedisPublisher) Publish(ctx context.Context, rec usagedb.Record) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	fields := map[string]interface{}{
		"id":             rec.ID,
		"timestamp":      rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"token":          rec.Token,
		"method":         rec.Method,
		"path":           rec.Path,
		"route":          rec.Route,
		"input_tokens":   strconv.Itoa(rec.InputTokens),
		"output_tokens":  strconv.Itoa(rec.OutputTokens),
		"status_code":    strconv.Itoa(rec.StatusCode),
		"outcome":        rec.Outcome,
		"latency_ms":     strconv.FormatInt(rec.LatencyMS, 10),
		"response_bytes": strconv.FormatInt(rec.ResponseBytes, 10),
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: fields,
	}).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
