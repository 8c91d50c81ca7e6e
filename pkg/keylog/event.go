package keylog

import (
	"fmt"
	"regexp"
	"strings"
)

// Connection types attribute a capture to the TLS leg that produced it.
const (
	// ConnectionIncoming marks secrets from sessions the server terminated
	// (browser or client connecting to the proxy).
	ConnectionIncoming = "incoming"

	// ConnectionUpstream marks secrets from sessions the proxy opened to a
	// real upstream during passthrough.
	ConnectionUpstream = "upstream"
)

// NSS key-log labels. A TLS 1.2 handshake emits a single CLIENT_RANDOM
// line; TLS 1.3 emits the traffic-secret labels at different handshake
// phases, so one session usually produces several events.
const (
	LabelClientRandom                 = "CLIENT_RANDOM"
	LabelServerHandshakeTrafficSecret = "SERVER_HANDSHAKE_TRAFFIC_SECRET"
	LabelClientHandshakeTrafficSecret = "CLIENT_HANDSHAKE_TRAFFIC_SECRET"
	LabelServerTrafficSecret0         = "SERVER_TRAFFIC_SECRET_0"
	LabelClientTrafficSecret0         = "CLIENT_TRAFFIC_SECRET_0"
	LabelExporterSecret               = "EXPORTER_SECRET"
)

// LineRegexp matches one well-formed NSS key-log line:
// "<LABEL> <client-random-hex> <secret-hex>".
var LineRegexp = regexp.MustCompile(`^(CLIENT_RANDOM|SERVER_HANDSHAKE_TRAFFIC_SECRET|CLIENT_HANDSHAKE_TRAFFIC_SECRET|SERVER_TRAFFIC_SECRET_0|CLIENT_TRAFFIC_SECRET_0|EXPORTER_SECRET) [0-9a-fA-F]+ [0-9a-fA-F]+$`)

// ValidLine reports whether line is a well-formed key-log line.
func ValidLine(line string) bool {
	return LineRegexp.MatchString(line)
}

// Event is one captured key-log line attributed to the exact socket whose
// handshake produced it. Events are immutable once published.
type Event struct {
	// ConnectionType is incoming or upstream, fixed when the tap attaches.
	ConnectionType string `json:"connectionType"`

	// Line is the raw key-log line without the trailing newline.
	Line string `json:"line"`

	// RemoteAddr and RemotePort identify the far end of the socket.
	RemoteAddr string `json:"remoteAddr"`
	RemotePort int    `json:"remotePort"`

	// LocalAddr and LocalPort identify the near end of the socket.
	LocalAddr string `json:"localAddr"`
	LocalPort int    `json:"localPort"`
}

// Label returns the line's NSS label (its first token).
func (e *Event) Label() string {
	if idx := strings.IndexByte(e.Line, ' '); idx > 0 {
		return e.Line[:idx]
	}
	return e.Line
}

// Line is a parsed key-log line.
type Line struct {
	// Label is the NSS label naming the secret kind.
	Label string

	// ClientRandom is the hex-encoded client random identifying the session.
	ClientRandom string

	// Secret is the hex-encoded secret material.
	Secret string
}

// ParseLine splits a raw key-log line into its three fields.
func ParseLine(raw string) (*Line, error) {
	raw = strings.TrimRight(raw, "\r\n")
	parts := strings.Split(raw, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed keylog line: expected 3 fields, got %d", len(parts))
	}
	if !ValidLine(raw) {
		return nil, fmt.Errorf("malformed keylog line: %q", truncateForError(raw))
	}
	return &Line{
		Label:        parts[0],
		ClientRandom: parts[1],
		Secret:       parts[2],
	}, nil
}

// truncateForError keeps error messages from echoing full secrets.
func truncateForError(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
