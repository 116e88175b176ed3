// Package barfile implements the canonical on-disk OHLCV bar file: a
// flat sequence of fixed-size binary records, one per bar, timestamps
// strictly increasing, seekable by index so the file updater can
// truncate and rewrite the tail in place.
package barfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/arai-quant/barrunner/internal/bar"
)

// RecordSize is the on-disk size of one bar record: i32 ts_seconds +
// five f32 fields (open, high, low, close, volume), little-endian.
const RecordSize = 4 + 4*5

// Store is a handle on one symbol's canonical bar file.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open returns a Store for path. The file is created on first write if
// it does not already exist; Open itself never creates it, matching
// Rule A's "missing file" check in the file updater.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path returns the file's path on disk.
func (s *Store) Path() string { return s.path }

// Exists reports whether the backing file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Size returns the number of bars currently stored, 0 if the file does
// not exist.
func (s *Store) Size() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeLocked()
}

func (s *Store) sizeLocked() (int, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("barfile: stat %s: %w", s.path, err)
	}
	if info.Size()%RecordSize != 0 {
		return 0, fmt.Errorf("barfile: %s size %d is not a multiple of record size %d", s.path, info.Size(), RecordSize)
	}
	return int(info.Size() / RecordSize), nil
}

// ReadAt reads the bar at index i (0-based, seconds-resolution TS).
func (s *Store) ReadAt(i int) (bar.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		return bar.Bar{}, fmt.Errorf("barfile: open %s: %w", s.path, err)
	}
	defer f.Close()
	buf := make([]byte, RecordSize)
	if _, err := f.ReadAt(buf, int64(i)*RecordSize); err != nil {
		return bar.Bar{}, fmt.Errorf("barfile: read index %d from %s: %w", i, s.path, err)
	}
	return decode(buf), nil
}

// ReadTail reads up to limit bars from the end of the file, oldest
// first. limit <= 0 means "all bars".
func (s *Store) ReadTail(limit int) ([]bar.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, err := s.sizeLocked()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	start := 0
	if limit > 0 && size-limit > 0 {
		start = size - limit
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("barfile: open %s: %w", s.path, err)
	}
	defer f.Close()
	n := size - start
	buf := make([]byte, n*RecordSize)
	if _, err := f.ReadAt(buf, int64(start)*RecordSize); err != nil {
		return nil, fmt.Errorf("barfile: read tail from %s: %w", s.path, err)
	}
	out := make([]bar.Bar, n)
	for i := 0; i < n; i++ {
		out[i] = decode(buf[i*RecordSize : (i+1)*RecordSize])
	}
	return out, nil
}

// LastTwo returns the last two bars (confirmed, in-progress) as Rule B
// and Rule C need them. It returns fewer than two bars if the file has
// fewer than two records.
func (s *Store) LastTwo() ([]bar.Bar, error) {
	return s.ReadTail(2)
}

// LastTimestamp returns the last bar's seconds timestamp, or 0 if the
// file is empty.
func (s *Store) LastTimestamp() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, err := s.sizeLocked()
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, nil
	}
	b, err := s.readAtLocked(size - 1)
	if err != nil {
		return 0, err
	}
	return b.TS, nil
}

// FirstTimestamp returns the first bar's seconds timestamp, or 0 if the
// file is empty, used by the startup sequence to decide whether the
// existing file's start_ts agrees with the configured history_since.
func (s *Store) FirstTimestamp() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, err := s.sizeLocked()
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, nil
	}
	b, err := s.readAtLocked(0)
	if err != nil {
		return 0, err
	}
	return b.TS, nil
}

func (s *Store) readAtLocked(i int) (bar.Bar, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return bar.Bar{}, fmt.Errorf("barfile: open %s: %w", s.path, err)
	}
	defer f.Close()
	buf := make([]byte, RecordSize)
	if _, err := f.ReadAt(buf, int64(i)*RecordSize); err != nil {
		return bar.Bar{}, fmt.Errorf("barfile: read index %d from %s: %w", i, s.path, err)
	}
	return decode(buf), nil
}

// Append appends bars (seconds-resolution TS) to the end of the file,
// creating it if necessary.
func (s *Store) Append(bars ...bar.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("barfile: open %s for append: %w", s.path, err)
	}
	defer f.Close()
	for _, b := range bars {
		if _, err := f.Write(encode(b)); err != nil {
			return fmt.Errorf("barfile: append to %s: %w", s.path, err)
		}
	}
	return nil
}

// OverwriteAt seeks to index i, truncating the file at that point, and
// writes bars starting there. This is exactly what Rule C's
// "seek+truncate+write" does: it replaces the tail of the file with
// fresh records instead of appending blindly, so a replayed confirmed
// bar never duplicates.
func (s *Store) OverwriteAt(i int, bars ...bar.Bar) (newSize int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("barfile: open %s for write: %w", s.path, err)
	}
	defer f.Close()
	offset := int64(i) * RecordSize
	if err := f.Truncate(offset); err != nil {
		return 0, fmt.Errorf("barfile: truncate %s at %d: %w", s.path, offset, err)
	}
	for _, b := range bars {
		if _, err := f.WriteAt(encode(b), offset); err != nil {
			return 0, fmt.Errorf("barfile: write %s at %d: %w", s.path, offset, err)
		}
		offset += RecordSize
	}
	return int(offset / RecordSize), nil
}

// Remove deletes the backing file. Used by the file updater's startup
// to clear a stale file, and by the bar cache before it rewrites the
// file from its own rows.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("barfile: remove %s: %w", s.path, err)
	}
	return nil
}

func encode(b bar.Bar) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(b.TS)))
	binary.LittleEndian.PutUint32(buf[4:8], float32bits(b.Open))
	binary.LittleEndian.PutUint32(buf[8:12], float32bits(b.High))
	binary.LittleEndian.PutUint32(buf[12:16], float32bits(b.Low))
	binary.LittleEndian.PutUint32(buf[16:20], float32bits(b.Close))
	binary.LittleEndian.PutUint32(buf[20:24], float32bits(b.Volume))
	return buf
}

func decode(buf []byte) bar.Bar {
	return bar.Bar{
		TS:     int64(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		Open:   float32frombits(binary.LittleEndian.Uint32(buf[4:8])),
		High:   float32frombits(binary.LittleEndian.Uint32(buf[8:12])),
		Low:    float32frombits(binary.LittleEndian.Uint32(buf[12:16])),
		Close:  float32frombits(binary.LittleEndian.Uint32(buf[16:20])),
		Volume: float32frombits(binary.LittleEndian.Uint32(buf[20:24])),
	}
}
