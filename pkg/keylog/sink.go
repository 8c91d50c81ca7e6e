package keylog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gettlstap/tlstap/pkg/metrics"
)

// ErrNotConfigured is returned by Append when no resolver exists for the
// connection type. The caller treats it as "no file wanted", not a failure.
var ErrNotConfigured = errors.New("keylog: no sink path configured for connection type")

// PathResolver produces the file path for a connection type's sink.
// It runs lazily on the first capture after a server start and its result
// is memoized for that run, so timestamped names stay stable.
type PathResolver func() (string, error)

// StaticPath returns a resolver that always yields path.
func StaticPath(path string) PathResolver {
	return func() (string, error) {
		return path, nil
	}
}

// TimestampedPath returns a resolver yielding dir/<prefix>-<timestamp>.keys,
// stamped when the first capture of the run resolves it.
func TimestampedPath(dir, prefix string) PathResolver {
	return func() (string, error) {
		name := fmt.Sprintf("%s-%s.keys", prefix, time.Now().Format("20060102-150405"))
		return filepath.Join(dir, name), nil
	}
}

// sinkFile serializes whole-line appends to one resolved path.
type sinkFile struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// typeStats tracks per-connection-type sink activity.
type typeStats struct {
	lines  atomic.Int64
	bytes  atomic.Int64
	errors atomic.Int64
}

// SinkStats is a point-in-time snapshot of one connection type's sink.
type SinkStats struct {
	// Configured reports whether a resolver exists for the type.
	Configured bool `json:"configured"`

	// Path is the resolved file path, empty until the first capture
	// resolves it.
	Path string `json:"path,omitempty"`

	// Lines is the number of key-log lines appended.
	Lines int64 `json:"lines"`

	// Bytes is the number of bytes appended.
	Bytes int64 `json:"bytes"`

	// WriteErrors counts failed resolve/open/write attempts.
	WriteErrors int64 `json:"writeErrors"`
}

// Sink appends key-log lines to per-connection-type files. Paths resolve
// lazily on first use and stay memoized until Reset. Writes to one path are
// serialized; different paths append concurrently. Failures are counted and
// reported to the caller, never fatal: the next event retries.
type Sink struct {
	mu        sync.Mutex
	resolvers map[string]PathResolver
	paths     map[string]string    // connection type -> resolved path
	files     map[string]*sinkFile // resolved path -> open file
	stats     map[string]*typeStats
}

// NewSink creates an empty Sink. Configure it with SetResolver.
func NewSink() *Sink {
	return &Sink{
		resolvers: make(map[string]PathResolver),
		paths:     make(map[string]string),
		files:     make(map[string]*sinkFile),
		stats:     make(map[string]*typeStats),
	}
}

// SetResolver installs the path resolver for a connection type.
// A nil resolver removes the type's sink.
func (s *Sink) SetResolver(connectionType string, r PathResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		delete(s.resolvers, connectionType)
		return
	}
	s.resolvers[connectionType] = r
	if _, ok := s.stats[connectionType]; !ok {
		s.stats[connectionType] = &typeStats{}
	}
}

// HasResolver reports whether a sink file is wanted for the type.
func (s *Sink) HasResolver(connectionType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.resolvers[connectionType]
	return ok
}

// Append writes one key-log line (newline added here) to the type's file.
// The first call of a run resolves the path, creates parent directories,
// and opens the file in append mode. Failed attempts are not memoized, so
// the next event retries; a successfully resolved path is kept for the run.
func (s *Sink) Append(connectionType, line string) error {
	f, st, err := s.fileFor(connectionType)
	if err != nil {
		if !errors.Is(err, ErrNotConfigured) && st != nil {
			st.errors.Add(1)
			metrics.IncSinkWriteError()
		}
		return err
	}

	f.mu.Lock()
	n, err := f.file.WriteString(line + "\n")
	f.mu.Unlock()
	if err != nil {
		st.errors.Add(1)
		metrics.IncSinkWriteError()
		return fmt.Errorf("append keylog line to %s: %w", f.path, err)
	}

	st.lines.Add(1)
	st.bytes.Add(int64(n))
	return nil
}

// fileFor resolves and opens the sink file for a connection type,
// memoizing the resolved path and open handle.
func (s *Sink) fileFor(connectionType string) (*sinkFile, *typeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolver, ok := s.resolvers[connectionType]
	if !ok {
		return nil, nil, ErrNotConfigured
	}
	st := s.stats[connectionType]

	path, resolved := s.paths[connectionType]
	if !resolved {
		var err error
		path, err = resolver()
		if err != nil {
			return nil, st, fmt.Errorf("resolve keylog path for %s: %w", connectionType, err)
		}
		s.paths[connectionType] = path
	}

	f, ok := s.files[path]
	if !ok {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, st, fmt.Errorf("create keylog directory %s: %w", dir, err)
			}
		}
		// Key material: owner-only like a private key file
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, st, fmt.Errorf("open keylog file %s: %w", path, err)
		}
		f = &sinkFile{path: path, file: file}
		s.files[path] = f
	}

	return f, st, nil
}

// Reset closes open files and clears memoized paths so the next run
// re-resolves. Resolvers and cumulative stats survive.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		f.mu.Lock()
		_ = f.file.Close()
		f.mu.Unlock()
	}
	s.paths = make(map[string]string)
	s.files = make(map[string]*sinkFile)
}

// Close closes all open sink files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range s.files {
		f.mu.Lock()
		if err := f.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.mu.Unlock()
	}
	s.paths = make(map[string]string)
	s.files = make(map[string]*sinkFile)
	return firstErr
}

// Stats snapshots per-type sink activity for the control API.
func (s *Sink) Stats() map[string]SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]SinkStats, len(s.resolvers))
	for connType := range s.resolvers {
		st := s.stats[connType]
		out[connType] = SinkStats{
			Configured:  true,
			Path:        s.paths[connType],
			Lines:       st.lines.Load(),
			Bytes:       st.bytes.Load(),
			WriteErrors: st.errors.Load(),
		}
	}
	return out
}
