// Package logstore is the append-only record log: blocks are appended to
// named files under one archive directory and read back by exact byte range.
//
// Each file has a single writer at a time. Within a process a per-file mutex
// spans the size lookup and the write; across processes an advisory flock on
// the file does the same. Offsets handed out therefore never overlap.
package logstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hazyhaar/warcfed/horosafe"
)

// DefaultMaxSegmentSize is the rotation threshold for AppendSegment.
const DefaultMaxSegmentSize int64 = 1 << 30

// SyncPrefix names the file holding blocks pulled from peers.
const SyncPrefix = "sync"

// Options configures a Store.
type Options struct {
	Dir            string
	Fsync          bool  // fsync after every append
	Compress       bool  // files carry gzip-member blocks; selects the .warc.gz suffix
	MaxSegmentSize int64 // 0 means DefaultMaxSegmentSize
	Logger         *slog.Logger
}

// Location is the byte range of one block inside a log file.
type Location struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// Store owns the log files of one archive directory.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	files    map[string]*logFile
	segments map[string]int // prefix -> current segment index
	closed   bool

	segMu sync.Mutex // serializes segment choice + append

	write func(f *os.File, b []byte) (int, error)
}

type logFile struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates the archive directory if needed and returns a Store.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("logstore: empty directory")
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("logstore: resolve dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", File: dir, Err: err}
	}
	return &Store{
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger,
		files:    make(map[string]*logFile),
		segments: make(map[string]int),
		write:    (*os.File).Write,
	}, nil
}

// Dir returns the absolute archive directory.
func (s *Store) Dir() string { return s.dir }

// Suffix returns the file suffix for this store's block framing.
func (s *Store) Suffix() string {
	if s.opts.Compress {
		return ".warc.gz"
	}
	return ".warc"
}

// SyncFile returns the name of the file receiving blocks pulled from peers.
func (s *Store) SyncFile() string {
	return SyncPrefix + s.Suffix()
}

// Append writes b at the end of the named file and returns where it landed.
// On a failed or short write the file is truncated back to its previous
// size, so a failed append leaves no partial block behind.
func (s *Store) Append(ctx context.Context, name string, b []byte) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	lf, err := s.file(name)
	if err != nil {
		return Location{}, err
	}

	lf.mu.Lock()
	defer lf.mu.Unlock()

	if err := lockFile(lf.f); err != nil {
		return Location{}, &StorageError{Op: "lock", File: name, Err: err}
	}
	defer func() {
		if err := unlockFile(lf.f); err != nil {
			s.logger.Warn("logstore: unlock failed", "file", name, "error", err)
		}
	}()

	fi, err := lf.f.Stat()
	if err != nil {
		return Location{}, &StorageError{Op: "stat", File: name, Err: err}
	}
	offset := fi.Size()

	n, err := s.write(lf.f, b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if terr := lf.f.Truncate(offset); terr != nil {
			s.logger.Error("logstore: truncate after failed append", "file", name, "offset", offset, "error", terr)
		}
		return Location{}, &StorageError{Op: "append", File: name, Err: err}
	}
	if s.opts.Fsync {
		if err := lf.f.Sync(); err != nil {
			return Location{}, &StorageError{Op: "fsync", File: name, Err: err}
		}
	}
	return Location{File: name, Offset: offset, Length: int64(len(b))}, nil
}

// AppendSegment appends b to the current "<prefix>-NNNNN" segment, moving to
// the next index first when b would push a non-empty segment past
// MaxSegmentSize.
func (s *Store) AppendSegment(ctx context.Context, prefix string, b []byte) (Location, error) {
	s.segMu.Lock()
	defer s.segMu.Unlock()

	idx, err := s.currentSegment(prefix)
	if err != nil {
		return Location{}, err
	}
	name := s.segmentName(prefix, idx)
	size, err := s.Size(name)
	if err != nil {
		return Location{}, err
	}
	if size > 0 && size+int64(len(b)) > s.opts.MaxSegmentSize {
		idx++
		name = s.segmentName(prefix, idx)
		s.mu.Lock()
		s.segments[prefix] = idx
		s.mu.Unlock()
		s.logger.Info("logstore: segment rotated", "file", name, "previous_size", size)
	}
	return s.Append(ctx, name, b)
}

// Read returns exactly length bytes at offset in the named file.
func (s *Store) Read(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("%w: offset=%d length=%d", ErrInvalidRange, offset, length)
	}
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &StorageError{Op: "open", File: name, Err: err}
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if int64(n) < length {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, &TruncatedReadError{File: name, Offset: offset, Want: length, Got: int64(n)}
		}
		return nil, &StorageError{Op: "read", File: name, Err: err}
	}
	return buf, nil
}

// Size returns the current size of the named file, 0 when it does not exist.
func (s *Store) Size(name string) (int64, error) {
	path, err := s.path(name)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &StorageError{Op: "stat", File: name, Err: err}
	}
	return fi.Size(), nil
}

// Files lists the log files in the archive directory, sorted by name.
func (s *Store) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StorageError{Op: "readdir", File: s.dir, Err: err}
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && (strings.HasSuffix(e.Name(), ".warc") || strings.HasSuffix(e.Name(), ".warc.gz")) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Close releases every open file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for name, lf := range s.files {
		lf.mu.Lock()
		if err := lf.f.Close(); err != nil {
			errs = append(errs, &StorageError{Op: "close", File: name, Err: err})
		}
		lf.mu.Unlock()
	}
	s.files = nil
	return errors.Join(errs...)
}

func (s *Store) path(name string) (string, error) {
	p, err := horosafe.SafePath(s.dir, name)
	if err != nil {
		return "", &StorageError{Op: "path", File: name, Err: err}
	}
	if filepath.Dir(p) != s.dir {
		return "", &StorageError{Op: "path", File: name, Err: horosafe.ErrPathTraversal}
	}
	return p, nil
}

func (s *Store) file(name string) (*logFile, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if lf, ok := s.files[name]; ok {
		return lf, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &StorageError{Op: "open", File: name, Err: err}
	}
	lf := &logFile{f: f}
	s.files[name] = lf
	return lf, nil
}

func (s *Store) segmentName(prefix string, idx int) string {
	return fmt.Sprintf("%s-%05d%s", prefix, idx, s.Suffix())
}

// currentSegment returns the highest existing index for prefix, scanning the
// directory on first use. A fresh directory starts at 1.
func (s *Store) currentSegment(prefix string) (int, error) {
	s.mu.Lock()
	idx, ok := s.segments[prefix]
	s.mu.Unlock()
	if ok {
		return idx, nil
	}

	names, err := s.Files()
	if err != nil {
		return 0, err
	}
	idx = 1
	for _, name := range names {
		if n, ok := parseSegmentName(prefix, name, s.Suffix()); ok && n > idx {
			idx = n
		}
	}
	s.mu.Lock()
	s.segments[prefix] = idx
	s.mu.Unlock()
	return idx, nil
}

func parseSegmentName(prefix, name, suffix string) (int, bool) {
	if !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), suffix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
