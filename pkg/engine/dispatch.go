package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gettlstap/tlstap/internal/matching"
	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/httputil"
	"github.com/gettlstap/tlstap/pkg/metrics"
	"github.com/gettlstap/tlstap/pkg/mtls"
	"github.com/gettlstap/tlstap/pkg/rule"
)

type contextKey string

// connectTargetKey carries the CONNECT authority (host:port) on requests
// read off an intercepted tunnel. Passthrough rules with an empty host
// forward to this target.
const connectTargetKey contextKey = "connect-target"

// WithConnectTarget returns a context carrying the CONNECT authority.
func WithConnectTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, connectTargetKey, target)
}

// ConnectTarget returns the CONNECT authority stored on the context, or
// "" for requests that arrived on the direct HTTPS port.
func ConnectTarget(ctx context.Context) string {
	if v, ok := ctx.Value(connectTargetKey).(string); ok {
		return v
	}
	return ""
}

// Dispatcher routes each intercepted request through the rule set and
// executes the winning rule's action. Requests that match no enabled rule
// get a 502 so a client can never mistake the proxy for the real origin.
type Dispatcher struct {
	rules       *RuleSet
	upstream    *UpstreamManager
	bus         *events.Bus
	log         *slog.Logger
	maxBodySize int64
}

// NewDispatcher creates a Dispatcher over the given rule set.
func NewDispatcher(rules *RuleSet, upstream *UpstreamManager, bus *events.Bus, log *slog.Logger, maxBodySize int64) *Dispatcher {
	return &Dispatcher{
		rules:       rules,
		upstream:    upstream,
		bus:         bus,
		log:         log,
		maxBodySize: maxBodySize,
	}
}

// ServeHTTP evaluates rules in registration order against the request and
// executes the first enabled match. The rule set is snapshotted once per
// request, so concurrent rule changes never affect a dispatch in flight.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := d.readBody(r)
	if err != nil {
		d.log.Warn("failed to read request body",
			"method", r.Method, "path", r.URL.Path, "error", err)
		httputil.WriteBadRequest(w, "body_read_failed", "failed to read request body")
		metrics.IncRequest("error")
		return
	}

	snapshot := d.rules.Snapshot()

	var matched *rule.Rule
	for _, candidate := range snapshot {
		if !candidate.IsEnabled() {
			continue
		}
		if matching.MatchScore(candidate.Match, r, body) > 0 {
			matched = candidate
			break
		}
	}

	evt := &events.RequestEvent{
		Method: r.Method,
		Path:   r.URL.Path,
		Host:   r.Host,
	}
	if target := ConnectTarget(r.Context()); target != "" {
		evt.Host = target
	}
	if identity := mtls.FromRequest(r); identity != nil {
		evt.ClientCN = identity.CommonName
	}

	switch {
	case matched == nil:
		d.handleNoMatch(w, r, body, snapshot, evt)
	case matched.Reply != nil:
		d.handleReply(w, r, matched, evt)
	case matched.PassThrough != nil:
		d.handlePassThrough(w, r, body, matched, evt)
	default:
		// Validation rejects actionless rules, so this is unreachable
		// for rules that entered through Add or SetAll.
		httputil.WriteInternalError(w, "invalid_rule", "matched rule has no action")
		evt.Status = http.StatusInternalServerError
		evt.Error = "matched rule has no action"
		metrics.IncRequest("error")
	}

	evt.DurationMs = time.Since(start).Milliseconds()
	d.publishRequest(evt)
}

// readBody buffers the request body up to the configured limit so body
// matchers can inspect it and passthrough can replay it.
func (d *Dispatcher) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(io.LimitReader(r.Body, d.maxBodySize))
}

func (d *Dispatcher) handleNoMatch(w http.ResponseWriter, r *http.Request, body []byte, snapshot []*rule.Rule, evt *events.RequestEvent) {
	misses := matching.CollectNearMisses(snapshot, r, body, 3)
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"host", evt.Host,
	}
	for _, miss := range misses {
		attrs = append(attrs, "nearMiss", slog.GroupValue(
			slog.String("rule", miss.RuleID),
			slog.String("reason", miss.Reason),
		))
	}
	d.log.Warn("no rule matched request", attrs...)

	httputil.WriteBadGateway(w, "no_rule_matched", "no rule matched the intercepted request")
	evt.Status = http.StatusBadGateway
	evt.Error = "no_rule_matched"
	metrics.IncRequest("no_match")
}

func (d *Dispatcher) handleReply(w http.ResponseWriter, r *http.Request, matched *rule.Rule, evt *events.RequestEvent) {
	reply := matched.Reply

	if reply.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(reply.DelayMs) * time.Millisecond):
		case <-r.Context().Done():
			evt.Status = http.StatusServiceUnavailable
			evt.Error = "client gone before delayed reply"
			metrics.IncRequest("error")
			return
		}
	}

	for name, value := range reply.Headers {
		w.Header().Set(name, value)
	}
	if w.Header().Get("Content-Type") == "" && reply.Body != "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(reply.StatusCode())
	if reply.Body != "" {
		_, _ = io.WriteString(w, reply.Body)
	}

	d.log.Debug("replied from rule",
		"rule", matched.ID, "name", matched.Name,
		"method", r.Method, "path", r.URL.Path, "status", reply.StatusCode())

	evt.RuleID = matched.ID
	evt.RuleName = matched.Name
	evt.Action = "reply"
	evt.Status = reply.StatusCode()
	metrics.IncRequest("reply")
}

func (d *Dispatcher) handlePassThrough(w http.ResponseWriter, r *http.Request, body []byte, matched *rule.Rule, evt *events.RequestEvent) {
	evt.RuleID = matched.ID
	evt.RuleName = matched.Name
	evt.Action = "passthrough"

	originalTarget := ConnectTarget(r.Context())
	if originalTarget == "" {
		originalTarget = r.Host
	}

	host, port, err := d.upstream.Target(matched.PassThrough, originalTarget)
	if err != nil {
		d.log.Error("passthrough target resolution failed",
			"rule", matched.ID, "error", err)
		httputil.WriteBadGateway(w, "upstream_unreachable", err.Error())
		evt.Status = http.StatusBadGateway
		evt.Error = err.Error()
		metrics.IncRequest("error")
		return
	}

	resp, respBody, err := d.upstream.RoundTrip(r, body, host, port)
	if err != nil {
		d.log.Error("passthrough failed",
			"rule", matched.ID, "upstreamHost", host, "upstreamPort", port, "error", err)
		httputil.WriteBadGateway(w, "upstream_unreachable", err.Error())
		evt.Status = http.StatusBadGateway
		evt.Error = err.Error()
		metrics.IncRequest("error")
		return
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)

	d.log.Debug("passed request through",
		"rule", matched.ID, "upstreamHost", host, "upstreamPort", port,
		"status", resp.StatusCode)

	evt.Status = resp.StatusCode
	metrics.IncRequest("passthrough")
}

func (d *Dispatcher) publishRequest(evt *events.RequestEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(&events.Event{
		Type:      events.TypeRequest,
		Timestamp: time.Now(),
		Data:      evt,
	})
}
