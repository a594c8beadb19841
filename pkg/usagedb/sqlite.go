package usagedb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteStore keeps records in the usage_records table.
type SQLiteStore struct {
	db *gorm.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create usage db dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite usage db: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return s.db.Create(&rec).Error
}

func (s *SQLiteStore) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Record
	if err := s.db.Order("timestamp desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Totals(from, to time.Time) (Totals, error) {
	q := s.db.Model(&Record{})
	if !from.IsZero() {
		q = q.Where("timestamp >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("timestamp < ?", to.UTC())
	}
	var row struct {
		Requests     int
		InputTokens  int
		OutputTokens int
	}
	err := q.Select("COUNT(*) AS requests, COALESCE(SUM(input_tokens), 0) AS input_tokens, COALESCE(SUM(output_tokens), 0) AS output_tokens").
		Scan(&row).Error
	if err != nil {
		return Totals{}, err
	}
	return Totals{Requests: row.Requests, InputTokens: row.InputTokens, OutputTokens: row.OutputTokens}, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
