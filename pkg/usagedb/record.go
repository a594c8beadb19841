package usagedb

import (
	"fmt"
	"time"
)

const (
	DriverSegments = "segments"
	DriverSQLite   = "sqlite"
)

// Record is one finalized proxy request as persisted by the stores. Request
// and response text are never stored, only their token counts.
type Record struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	Timestamp       time.Time `json:"timestamp" gorm:"index"`
	Token           string    `json:"token" gorm:"index"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	Route           string    `json:"route" gorm:"index"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	StatusCode      int       `json:"status_code"`
	Outcome         string    `json:"outcome"`
	LatencyMS       int64     `json:"latency_ms"`
	ResponseBytes   int64     `json:"response_bytes"`
	CaptureOverflow bool      `json:"capture_overflow,omitempty"`
}

func (Record) TableName() string {
	return "usage_records"
}

type Totals struct {
	Requests     int
	InputTokens  int
	OutputTokens int
}

type Store interface {
	Append(rec Record) error
	// Recent returns up to limit records, newest first.
	Recent(limit int) ([]Record, error)
	// Totals aggregates records in [from, to). Zero bounds are open.
	Totals(from, to time.Time) (Totals, error)
	Close() error
}

func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverSegments:
		return NewSegmentStore(path)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown usage store driver %q", driver)
	}
}
