package keylog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLine(n int) string {
	return fmt.Sprintf("CLIENT_RANDOM %064x %096x", n, n)
}

func TestSink_AppendCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "incoming.keys")

	sink := NewSink()
	sink.SetResolver(ConnectionIncoming, StaticPath(path))
	defer sink.Close()

	require.NoError(t, sink.Append(ConnectionIncoming, testLine(1)))
	require.NoError(t, sink.Append(ConnectionIncoming, testLine(2)))

	data, err := os.ReadFile(path)
	require.NoError(t, err, "parent directory should have been created")
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, testLine(1), lines[0])
	assert.Equal(t, testLine(2), lines[1])
}

func TestSink_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}

	path := filepath.Join(t.TempDir(), "incoming.keys")
	sink := NewSink()
	sink.SetResolver(ConnectionIncoming, StaticPath(path))
	defer sink.Close()

	require.NoError(t, sink.Append(ConnectionIncoming, testLine(1)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "key material should be owner-only")
}

func TestSink_NotConfigured(t *testing.T) {
	sink := NewSink()
	defer sink.Close()

	err := sink.Append(ConnectionUpstream, testLine(1))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSink_ResolverMemoizedPerRun(t *testing.T) {
	dir := t.TempDir()

	var calls int
	sink := NewSink()
	sink.SetResolver(ConnectionIncoming, func() (string, error) {
		calls++
		return filepath.Join(dir, fmt.Sprintf("run-%d.keys", calls)), nil
	})
	defer sink.Close()

	require.NoError(t, sink.Append(ConnectionIncoming, testLine(1)))
	require.NoError(t, sink.Append(ConnectionIncoming, testLine(2)))
	require.NoError(t, sink.Append(ConnectionIncoming, testLine(3)))
	assert.Equal(t, 1, calls, "resolver should run once per run")

	// Reset simulates a server restart: the resolver runs again and a new
	// file is produced.
	sink.Reset()
	require.NoError(t, sink.Append(ConnectionIncoming, testLine(4)))
	assert.Equal(t, 2, calls)

	first, err := os.ReadFile(filepath.Join(dir, "run-1.keys"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimRight(string(first), "\n"), "\n"), 3)

	second, err := os.ReadFile(filepath.Join(dir, "run-2.keys"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimRight(string(second), "\n"), "\n"), 1)
}

func TestSink_ResolverFailureRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.keys")

	var calls int
	sink := NewSink()
	sink.SetResolver(ConnectionIncoming, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not ready")
		}
		return path, nil
	})
	defer sink.Close()

	assert.Error(t, sink.Append(ConnectionIncoming, testLine(1)))
	assert.Error(t, sink.Append(ConnectionIncoming, testLine(2)))
	require.NoError(t, sink.Append(ConnectionIncoming, testLine(3)), "third attempt should succeed")

	// Success memoizes: no further resolver calls
	require.NoError(t, sink.Append(ConnectionIncoming, testLine(4)))
	assert.Equal(t, 3, calls)

	stats := sink.Stats()[ConnectionIncoming]
	assert.Equal(t, int64(2), stats.WriteErrors)
	assert.Equal(t, int64(2), stats.Lines)
}

func TestSink_AppendOnlyAcrossReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incoming.keys")

	sink := NewSink()
	sink.SetResolver(ConnectionIncoming, StaticPath(path))
	require.NoError(t, sink.Append(ConnectionIncoming, testLine(1)))

	sink.Reset()
	require.NoError(t, sink.Append(ConnectionIncoming, testLine(2)))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 2, "reopening the same path must append, not truncate")
}

func TestSink_TwoTypesTwoFiles(t *testing.T) {
	dir := t.TempDir()
	incomingPath := filepath.Join(dir, "incoming.keys")
	upstreamPath := filepath.Join(dir, "upstream.keys")

	sink := NewSink()
	sink.SetResolver(ConnectionIncoming, StaticPath(incomingPath))
	sink.SetResolver(ConnectionUpstream, StaticPath(upstreamPath))
	defer sink.Close()

	require.NoError(t, sink.Append(ConnectionIncoming, testLine(1)))
	require.NoError(t, sink.Append(ConnectionUpstream, testLine(2)))

	incoming, err := os.ReadFile(incomingPath)
	require.NoError(t, err)
	upstream, err := os.ReadFile(upstreamPath)
	require.NoError(t, err)

	assert.NotEmpty(t, incoming)
	assert.NotEmpty(t, upstream)
	assert.NotEqual(t, string(incoming), string(upstream))
}

func TestSink_ConcurrentWholeLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incoming.keys")

	sink := NewSink()
	sink.SetResolver(ConnectionIncoming, StaticPath(path))
	defer sink.Close()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = sink.Append(ConnectionIncoming, testLine(w*perWriter+i))
			}
		}(w)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, writers*perWriter)
	for _, line := range lines {
		assert.True(t, ValidLine(line), "interleaved write produced a torn line: %q", line)
	}
}

func TestSink_HasResolver(t *testing.T) {
	sink := NewSink()
	assert.False(t, sink.HasResolver(ConnectionIncoming))

	sink.SetResolver(ConnectionIncoming, StaticPath("x.keys"))
	assert.True(t, sink.HasResolver(ConnectionIncoming))
	assert.False(t, sink.HasResolver(ConnectionUpstream))

	sink.SetResolver(ConnectionIncoming, nil)
	assert.False(t, sink.HasResolver(ConnectionIncoming))
}

func TestSink_Stats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incoming.keys")

	sink := NewSink()
	sink.SetResolver(ConnectionIncoming, StaticPath(path))
	defer sink.Close()

	stats := sink.Stats()
	require.Contains(t, stats, ConnectionIncoming)
	assert.True(t, stats[ConnectionIncoming].Configured)
	assert.Empty(t, stats[ConnectionIncoming].Path, "path resolves lazily")

	line := testLine(7)
	require.NoError(t, sink.Append(ConnectionIncoming, line))

	stats = sink.Stats()
	assert.Equal(t, path, stats[ConnectionIncoming].Path)
	assert.Equal(t, int64(1), stats[ConnectionIncoming].Lines)
	assert.Equal(t, int64(len(line)+1), stats[ConnectionIncoming].Bytes)
	assert.Equal(t, int64(0), stats[ConnectionIncoming].WriteErrors)
}

func TestTimestampedPath(t *testing.T) {
	resolver := TimestampedPath("/var/log/tlstap", "incoming")
	path, err := resolver()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, filepath.Join("/var/log/tlstap", "incoming-")))
	assert.True(t, strings.HasSuffix(path, ".keys"))
}

func TestStaticPath(t *testing.T) {
	resolver := StaticPath("/tmp/x.keys")
	path, err := resolver()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.keys", path)
}
