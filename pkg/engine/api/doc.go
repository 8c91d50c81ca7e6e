// Package api implements the engine control API: a JSON HTTP server on its
// own port for health, status, rule CRUD, event inspection and streaming,
// key-log sink status, and metrics. The CLI talks to this API; it is also
// the integration surface for scripts and CI.
package api
