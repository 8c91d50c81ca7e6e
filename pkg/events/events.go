// Package events provides the server-scoped event bus. Engine components
// publish typed events (TLS key-log captures, dispatch summaries) and
// subscribers receive them over buffered channels with best-effort delivery.
package events

import "time"

// Event types published by the engine.
const (
	// TypeKeylog events carry a keylog capture (one NSS key-log line with
	// its connection endpoints).
	TypeKeylog = "tls-keylog"

	// TypeRequest events carry a dispatch summary for one proxied request.
	TypeRequest = "request"
)

// Event is a single bus event. Data holds the type-specific payload.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Type identifies the payload (tls-keylog, request).
	Type string `json:"type"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Data is the type-specific payload.
	Data interface{} `json:"data,omitempty"`
}

// RequestEvent is the payload for TypeRequest events: one dispatched
// request, whether it matched or not.
type RequestEvent struct {
	// Method is the HTTP method.
	Method string `json:"method"`

	// Path is the request URL path.
	Path string `json:"path"`

	// Host is the request host or CONNECT target.
	Host string `json:"host,omitempty"`

	// RuleID is the matched rule (empty if no rule matched).
	RuleID string `json:"ruleId,omitempty"`

	// RuleName is the matched rule's display name.
	RuleName string `json:"ruleName,omitempty"`

	// Action is the executed action: reply or passthrough.
	Action string `json:"action,omitempty"`

	// Status is the HTTP status returned to the client.
	Status int `json:"status"`

	// DurationMs is the dispatch time in milliseconds.
	DurationMs int64 `json:"durationMs"`

	// Error is set when dispatch failed (no match, upstream failure).
	Error string `json:"error,omitempty"`

	// ClientCN is the common name of the client certificate on
	// mutually-authenticated connections.
	ClientCN string `json:"clientCn,omitempty"`
}

// Filter restricts List results.
type Filter struct {
	// Type keeps only events of the given type.
	Type string

	// Limit caps the number of returned events (0 = no cap).
	Limit int

	// Offset skips the given number of events after filtering.
	Offset int
}
