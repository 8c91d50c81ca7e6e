package api

import (
	"time"

	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/keylog"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the response for GET /status.
type StatusResponse struct {
	State     string    `json:"state"`
	Uptime    int64     `json:"uptime"`
	RuleCount int       `json:"ruleCount"`
	HTTPSPort int       `json:"httpsPort"`
	ProxyPort int       `json:"proxyPort,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// RuleListResponse is the response for GET /rules.
type RuleListResponse struct {
	Rules []*rule.Rule `json:"rules"`
	Count int          `json:"count"`
}

// ToggleResponse is the response for POST /rules/{id}/toggle.
type ToggleResponse struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// DeployRequest is the request body for POST /deploy.
type DeployRequest struct {
	Rules   []*rule.Rule `json:"rules"`
	Replace bool         `json:"replace,omitempty"`
}

// DeployResponse is the response for POST /deploy.
type DeployResponse struct {
	Deployed int    `json:"deployed"`
	Message  string `json:"message"`
}

// EventListResponse is the response for GET /events.
type EventListResponse struct {
	Events []*events.Event `json:"events"`
	Count  int             `json:"count"`
}

// KeylogStatusResponse is the response for GET /keylog: per-connection-type
// sink state keyed by "incoming" and "upstream".
type KeylogStatusResponse struct {
	Sinks map[string]keylog.SinkStats `json:"sinks"`
}

// ErrorResponse is the JSON error envelope shared by all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
