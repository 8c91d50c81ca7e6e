package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/httputil"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// maxRequestBodySize caps control API request bodies.
const maxRequestBodySize = 10 * 1024 * 1024

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := s.engine.Uptime()
	resp := StatusResponse{
		State:     s.engine.State(),
		Uptime:    int64(uptime),
		RuleCount: s.engine.RuleCount(),
		HTTPSPort: s.engine.BoundPort(),
		ProxyPort: s.engine.ProxyPort(),
	}
	if s.engine.IsRunning() {
		resp.StartedAt = time.Now().Add(-time.Duration(uptime) * time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.ListRules()
	writeJSON(w, http.StatusOK, RuleListResponse{
		Rules: rules,
		Count: len(rules),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	limitedBody(w, r)
	var rl rule.Rule
	if err := decodeJSONBody(r, &rl); err != nil {
		writeDecodeError(w, err)
		return
	}

	if err := s.engine.AddRule(&rl); err != nil {
		writeRuleError(w, err)
		return
	}

	// Re-read so the client sees the assigned ID and timestamps. The rule
	// may already have been deleted by a concurrent call; fall back to the
	// submitted one.
	created := s.engine.GetRule(rl.ID)
	if created == nil {
		created = &rl
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rl := s.engine.GetRule(id)
	if rl == nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("rule %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	limitedBody(w, r)
	id := r.PathValue("id")

	var rl rule.Rule
	if err := decodeJSONBody(r, &rl); err != nil {
		writeDecodeError(w, err)
		return
	}

	if err := s.engine.UpdateRule(id, &rl); err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.GetRule(id))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.DeleteRule(id); err != nil {
		writeRuleError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	enabled, err := s.engine.ToggleRule(id)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{ID: id, Enabled: enabled})
}

func (s *Server) handleClearRules(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearRules()
	writeJSON(w, http.StatusOK, map[string]string{"message": "all rules removed"})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	limitedBody(w, r)
	var req DeployRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	if req.Replace {
		if err := s.engine.SetRules(req.Rules); err != nil {
			writeRuleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, DeployResponse{
			Deployed: len(req.Rules),
			Message:  fmt.Sprintf("deployed %d rules", len(req.Rules)),
		})
		return
	}

	deployed := 0
	for _, rl := range req.Rules {
		if rl == nil {
			continue
		}
		if err := s.engine.AddRule(rl); err != nil {
			s.log.Warn("failed to deploy rule", "id", rl.ID, "error", err)
			continue
		}
		deployed++
	}
	writeJSON(w, http.StatusOK, DeployResponse{
		Deployed: deployed,
		Message:  fmt.Sprintf("deployed %d rules", deployed),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter := &events.Filter{
		Type: r.URL.Query().Get("type"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	evts := s.engine.Events(filter)
	writeJSON(w, http.StatusOK, EventListResponse{
		Events: evts,
		Count:  len(evts),
	})
}

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearEvents()
	writeJSON(w, http.StatusOK, map[string]string{"message": "all events removed"})
}

func (s *Server) handleKeylogStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, KeylogStatusResponse{
		Sinks: s.engine.KeylogStats(),
	})
}

// limitedBody wraps r.Body with http.MaxBytesReader to enforce body size
// limits. Must be called before reading r.Body.
func limitedBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
}

func decodeJSONBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
}

// writeRuleError maps rule store and validation errors to status codes.
func writeRuleError(w http.ResponseWriter, err error) {
	var validationErr *rule.ValidationError
	switch {
	case errors.Is(err, rule.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, rule.ErrDuplicateID):
		writeError(w, http.StatusConflict, "duplicate_id", err.Error())
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("%s: %s", validationErr.Field, validationErr.Message))
	case strings.Contains(err.Error(), "validation"):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "rule_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	httputil.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	httputil.WriteJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
