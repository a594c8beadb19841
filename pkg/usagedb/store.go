package usagedb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
)

const (
	defaultRetention     = 90 * 24 * time.Hour
	defaultSegmentMaxAge = 6 * time.Hour
	pruneInterval        = time.Hour
)

type Settings struct {
	Retention     time.Duration
	SegmentMaxAge time.Duration
}

// SegmentStore keeps records as zstd-compressed JSON lines, one open segment
// per hour directory. Segments become visible to readers once closed.
type SegmentStore struct {
	mu           sync.Mutex
	dir          string
	settings     Settings
	rawWriter    *segmentWriter
	rawWriterDir string
	lastPrune    time.Time
}

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

type segmentMeta struct {
	path string
	min  time.Time
	max  time.Time
}

func NewSegmentStore(dir string) (*SegmentStore, error) {
	return NewSegmentStoreWithSettings(dir, Settings{})
}

func NewSegmentStoreWithSettings(dir string, settings Settings) (*SegmentStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("segment store directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create usage db dir: %w", err)
	}
	return &SegmentStore{dir: dir, settings: normalizeSettings(settings)}, nil
}

func normalizeSettings(in Settings) Settings {
	out := in
	if out.Retention <= 0 {
		out.Retention = defaultRetention
	}
	if out.SegmentMaxAge <= 0 {
		out.SegmentMaxAge = defaultSegmentMaxAge
	}
	return out
}

func (s *SegmentStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	} else {
		rec.Timestamp = rec.Timestamp.UTC()
	}
	if err := s.openRawWriterLocked(rec.Timestamp); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rawWriter.writeLine(line, rec.Timestamp); err != nil {
		return err
	}
	if s.rawWriter.shouldRotate(s.settings.SegmentMaxAge) {
		if err := s.closeRawWriterLocked(); err != nil {
			return err
		}
	}
	if time.Since(s.lastPrune) >= pruneInterval {
		s.pruneLocked(time.Now().UTC())
	}
	return nil
}

// Scan calls fn for each record with from <= timestamp < to, oldest segment
// first. A zero bound is open.
func (s *SegmentStore) Scan(from, to time.Time, fn func(Record) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeRawWriterLocked(); err != nil {
		return err
	}
	segs, err := listSegments(filepath.Join(s.dir, "raw"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, seg := range segs {
		if !overlaps(seg.min, seg.max, from, to) {
			continue
		}
		cont := true
		err := scanRecords(seg.path, from, to, func(rec Record) bool {
			cont = fn(rec)
			return cont
		})
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *SegmentStore) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Record
	err := s.Scan(time.Time{}, time.Time{}, func(rec Record) bool {
		out = append(out, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SegmentStore) Totals(from, to time.Time) (Totals, error) {
	var t Totals
	err := s.Scan(from, to, func(rec Record) bool {
		t.Requests++
		t.InputTokens += rec.InputTokens
		t.OutputTokens += rec.OutputTokens
		return true
	})
	return t, err
}

func (s *SegmentStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeRawWriterLocked()
}

func (s *SegmentStore) Close() error {
	return s.Flush()
}

// Prune removes closed segments whose newest record is past retention.
func (s *SegmentStore) Prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now.UTC())
}

func (s *SegmentStore) pruneLocked(now time.Time) {
	s.lastPrune = now
	cutoff := now.Add(-s.settings.Retention)
	segs, err := listSegments(filepath.Join(s.dir, "raw"))
	if err != nil {
		return
	}
	pruned := 0
	for _, seg := range segs {
		if seg.max.Before(cutoff) {
			_ = os.Remove(seg.path)
			pruned++
		}
	}
	if pruned > 0 {
		log.Info("usage db pruned segments", "segments", pruned, "cutoff", cutoff.Format(time.RFC3339))
	}
}

func (s *SegmentStore) openRawWriterLocked(ts time.Time) error {
	hourDir := filepath.Join(s.dir, "raw", ts.Format("2006"), ts.Format("01"), ts.Format("02"), ts.Format("15"))
	if s.rawWriter != nil && s.rawWriterDir == hourDir {
		return nil
	}
	if err := s.closeRawWriterLocked(); err != nil {
		return err
	}
	w, err := newSegmentWriter(hourDir)
	if err != nil {
		return err
	}
	s.rawWriter = w
	s.rawWriterDir = hourDir
	return nil
}

func (s *SegmentStore) closeRawWriterLocked() error {
	if s.rawWriter == nil {
		return nil
	}
	err := s.rawWriter.close()
	s.rawWriter = nil
	s.rawWriterDir = ""
	return err
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", seq))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	if _, err := w.enc.Write([]byte("\n")); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) shouldRotate(maxAge time.Duration) bool {
	if w == nil {
		return false
	}
	return maxAge > 0 && time.Since(w.openedAt) >= maxAge
}

func (w *segmentWriter) close() error {
	if w == nil {
		return nil
	}
	var closeErr error
	if w.enc != nil {
		closeErr = w.enc.Close()
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	if closeErr != nil {
		return fmt.Errorf("close usage segment: %w", closeErr)
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d.jsonl.zst", w.minTs.Unix(), w.maxTs.Unix(), w.seq))
	return os.Rename(w.pathTmp, final)
}

func listSegments(root string) ([]segmentMeta, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	out := []segmentMeta{}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl.zst") || strings.HasPrefix(name, "open-") {
			return nil
		}
		parts := strings.Split(strings.TrimSuffix(name, ".jsonl.zst"), "-")
		if len(parts) < 3 {
			return nil
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		out = append(out, segmentMeta{path: path, min: time.Unix(minUnix, 0).UTC(), max: time.Unix(maxUnix, 0).UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].min.Equal(out[j].min) {
			return out[i].path < out[j].path
		}
		return out[i].min.Before(out[j].min)
	})
	return out, nil
}

func scanRecords(path string, from, to time.Time, fn func(Record) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		ts := rec.Timestamp.UTC()
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && !ts.Before(to) {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return sc.Err()
}

// overlaps compares at second resolution since segment names carry unix
// seconds.
func overlaps(segMin, segMax, from, to time.Time) bool {
	if !to.IsZero() && !segMin.Before(to) {
		return false
	}
	if !from.IsZero() && segMax.Add(time.Second).Before(from) {
		return false
	}
	return true
}
