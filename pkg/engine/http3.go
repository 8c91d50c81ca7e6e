package engine

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go/http3"

	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/keylog"
	"github.com/gettlstap/tlstap/pkg/metrics"
)

// newHTTP3Server builds the optional HTTP/3 listener. It shares the
// dispatch handler with the TCP ports; taps are installed per QUIC
// connection through GetConfigForClient so each session's secrets carry
// the session's own endpoints.
func newHTTP3Server(port int, base *tls.Config, handler http.Handler, bus *events.Bus, sink *keylog.Sink, log *slog.Logger) *http3.Server {
	h3Config := base.Clone()
	h3Config.NextProtos = []string{http3.NextProtoH3}

	h3Config.GetConfigForClient = func(info *tls.ClientHelloInfo) (*tls.Config, error) {
		metrics.IncConnection(keylog.ConnectionIncoming)
		cfg := h3Config.Clone()
		cfg.GetConfigForClient = nil
		if tapEnabled(keylog.ConnectionIncoming, sink, bus) {
			cfg.KeyLogWriter = keylog.NewTap(keylog.TapConfig{
				ConnectionType: keylog.ConnectionIncoming,
				RemoteAddr:     info.Conn.RemoteAddr(),
				LocalAddr:      info.Conn.LocalAddr(),
				Bus:            bus,
				Sink:           sink,
				Logger:         log,
			})
		}
		return cfg, nil
	}

	return &http3.Server{
		Addr:      fmt.Sprintf(":%d", port),
		Handler:   handler,
		TLSConfig: h3Config,
	}
}
