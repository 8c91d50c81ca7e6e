package keylog

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/logging"
	"github.com/gettlstap/tlstap/pkg/metrics"
)

// TapConfig configures a Tap for one TLS session.
type TapConfig struct {
	// ConnectionType is incoming or upstream.
	ConnectionType string

	// RemoteAddr and LocalAddr are the session's socket endpoints,
	// captured before the handshake starts.
	RemoteAddr net.Addr
	LocalAddr  net.Addr

	// Bus receives a TypeKeylog event per captured line. Optional.
	Bus *events.Bus

	// Sink appends each captured line to the type's file. Optional.
	Sink *Sink

	// Logger reports sink failures. Defaults to a no-op logger.
	Logger *slog.Logger
}

// Tap captures the NSS key-log lines of exactly one TLS session. It is
// installed as tls.Config.KeyLogWriter on a per-connection config clone,
// so the endpoints recorded at attach time are the session's own.
//
// Write never returns an error: crypto/tls aborts the handshake when the
// key-log writer fails, and capture must never break the data path.
type Tap struct {
	connectionType string
	remoteAddr     string
	remotePort     int
	localAddr      string
	localPort      int

	bus    *events.Bus
	sink   *Sink
	logger *slog.Logger
}

// NewTap creates a tap for one session. Bus and Sink may each be nil;
// with both nil the tap is inert and should not be installed at all.
func NewTap(cfg TapConfig) *Tap {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	t := &Tap{
		connectionType: cfg.ConnectionType,
		bus:            cfg.Bus,
		sink:           cfg.Sink,
		logger:         logger,
	}
	t.remoteAddr, t.remotePort = splitAddr(cfg.RemoteAddr)
	t.localAddr, t.localPort = splitAddr(cfg.LocalAddr)
	return t
}

// Write receives one key-log line per call from crypto/tls and turns it
// into an Event for the bus and an appended sink line. Always reports
// success so a sink failure can never fail a handshake.
func (t *Tap) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		t.capture(line)
	}
	return len(p), nil
}

func (t *Tap) capture(line string) {
	metrics.IncKeylogEvent(t.connectionType)

	if t.bus != nil {
		t.bus.Publish(&events.Event{
			Type: events.TypeKeylog,
			Data: &Event{
				ConnectionType: t.connectionType,
				Line:           line,
				RemoteAddr:     t.remoteAddr,
				RemotePort:     t.remotePort,
				LocalAddr:      t.localAddr,
				LocalPort:      t.localPort,
			},
		})
	}

	if t.sink != nil {
		if err := t.sink.Append(t.connectionType, line); err != nil && !errors.Is(err, ErrNotConfigured) {
			t.logger.Warn("keylog sink write failed",
				"connectionType", t.connectionType,
				"error", err)
		}
	}
}

// splitAddr splits a net.Addr into host and numeric port. Addresses
// without a port (pipes in tests) keep the full string and port 0.
func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
