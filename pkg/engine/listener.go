package engine

import (
	"crypto/tls"
	"log/slog"
	"net"

	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/keylog"
	"github.com/gettlstap/tlstap/pkg/metrics"
)

// tapListener terminates TLS on accepted connections with a per-connection
// clone of the base config. When capture is enabled the clone gets its own
// key-log tap holding the connection's endpoints, so every secret line is
// attributable to exactly one session. The handshake itself stays lazy:
// net/http drives it on first read, keeping Accept cheap.
type tapListener struct {
	net.Listener
	base *tls.Config
	bus  *events.Bus
	sink *keylog.Sink
	log  *slog.Logger
}

func newTapListener(inner net.Listener, base *tls.Config, bus *events.Bus, sink *keylog.Sink, log *slog.Logger) *tapListener {
	return &tapListener{
		Listener: inner,
		base:     base,
		bus:      bus,
		sink:     sink,
		log:      log,
	}
}

func (l *tapListener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	metrics.IncConnection(keylog.ConnectionIncoming)
	return tls.Server(raw, l.configFor(raw)), nil
}

// configFor clones the base config and installs a session tap when a sink
// path or a key-log subscriber exists. Without either, the clone carries no
// KeyLogWriter and the handshake pays nothing for the capture machinery.
func (l *tapListener) configFor(raw net.Conn) *tls.Config {
	cfg := l.base.Clone()
	if !tapEnabled(keylog.ConnectionIncoming, l.sink, l.bus) {
		return cfg
	}
	cfg.KeyLogWriter = keylog.NewTap(keylog.TapConfig{
		ConnectionType: keylog.ConnectionIncoming,
		RemoteAddr:     raw.RemoteAddr(),
		LocalAddr:      raw.LocalAddr(),
		Bus:            l.bus,
		Sink:           l.sink,
		Logger:         l.log,
	})
	return cfg
}

// tapEnabled reports whether a key-log tap for the given connection type
// would have any consumer: a configured sink file or a bus subscriber.
func tapEnabled(connectionType string, sink *keylog.Sink, bus *events.Bus) bool {
	if sink != nil && sink.HasResolver(connectionType) {
		return true
	}
	return bus != nil && bus.HasSubscribers(events.TypeKeylog)
}
