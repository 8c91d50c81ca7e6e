package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/keylog"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// mockEngine is a test double for EngineController.
type mockEngine struct {
	rules   []*rule.Rule
	events  []*events.Event
	stats   map[string]keylog.SinkStats
	state   string
	uptime  int
	bound   int
	proxy   int
	nextID  int
	cleared bool

	// Error injection for testing error paths
	addRuleErr    error
	updateRuleErr error
	deleteRuleErr error
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		state:  "running",
		uptime: 100,
		bound:  4443,
		stats:  make(map[string]keylog.SinkStats),
	}
}

func (m *mockEngine) State() string   { return m.state }
func (m *mockEngine) IsRunning() bool { return m.state == "running" }
func (m *mockEngine) Uptime() int     { return m.uptime }
func (m *mockEngine) BoundPort() int  { return m.bound }
func (m *mockEngine) ProxyPort() int  { return m.proxy }

func (m *mockEngine) AddRule(r *rule.Rule) error {
	if m.addRuleErr != nil {
		return m.addRuleErr
	}
	if r.ID == "" {
		m.nextID++
		r.ID = fmt.Sprintf("rule-%d", m.nextID)
	}
	for _, existing := range m.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("%w: %s", rule.ErrDuplicateID, r.ID)
		}
	}
	m.rules = append(m.rules, r)
	return nil
}

func (m *mockEngine) UpdateRule(id string, r *rule.Rule) error {
	if m.updateRuleErr != nil {
		return m.updateRuleErr
	}
	for i, existing := range m.rules {
		if existing.ID == id {
			r.ID = id
			m.rules[i] = r
			return nil
		}
	}
	return rule.ErrNotFound
}

func (m *mockEngine) DeleteRule(id string) error {
	if m.deleteRuleErr != nil {
		return m.deleteRuleErr
	}
	for i, existing := range m.rules {
		if existing.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return rule.ErrNotFound
}

func (m *mockEngine) GetRule(id string) *rule.Rule {
	for _, existing := range m.rules {
		if existing.ID == id {
			return existing
		}
	}
	return nil
}

func (m *mockEngine) ListRules() []*rule.Rule { return m.rules }

func (m *mockEngine) ToggleRule(id string) (bool, error) {
	for _, existing := range m.rules {
		if existing.ID == id {
			enabled := !existing.IsEnabled()
			existing.Enabled = &enabled
			return enabled, nil
		}
	}
	return false, rule.ErrNotFound
}

func (m *mockEngine) SetRules(rules []*rule.Rule) error {
	m.rules = rules
	return nil
}

func (m *mockEngine) ClearRules() {
	m.rules = nil
	m.cleared = true
}

func (m *mockEngine) RuleCount() int { return len(m.rules) }

func (m *mockEngine) Events(filter *events.Filter) []*events.Event {
	if filter != nil && filter.Type != "" {
		var out []*events.Event
		for _, evt := range m.events {
			if evt.Type == filter.Type {
				out = append(out, evt)
			}
		}
		return out
	}
	return m.events
}

func (m *mockEngine) SubscribeEvents(types ...string) (events.Subscriber, func()) {
	ch := make(events.Subscriber)
	close(ch)
	return ch, func() {}
}

func (m *mockEngine) ClearEvents() { m.events = nil }

func (m *mockEngine) KeylogStats() map[string]keylog.SinkStats { return m.stats }

func newTestServer(engine *mockEngine) *Server {
	return NewServer(engine, 0)
}

func testRule(id string) *rule.Rule {
	return &rule.Rule{
		ID:    id,
		Match: &rule.Match{Path: "/api/users"},
		Reply: &rule.Reply{Status: 200, Body: `{"ok":true}`},
	}
}

func TestHandleHealth(t *testing.T) {
	engine := newMockEngine()
	server := newTestServer(engine)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	server.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Status)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandleStatus(t *testing.T) {
	t.Run("running engine", func(t *testing.T) {
		engine := newMockEngine()
		engine.rules = []*rule.Rule{testRule("r1"), testRule("r2")}
		server := newTestServer(engine)

		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		rec := httptest.NewRecorder()

		server.handleStatus(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "running", resp.State)
		assert.Equal(t, int64(100), resp.Uptime)
		assert.Equal(t, 2, resp.RuleCount)
		assert.Equal(t, 4443, resp.HTTPSPort)
	})

	t.Run("stopped engine", func(t *testing.T) {
		engine := newMockEngine()
		engine.state = "stopped"
		server := newTestServer(engine)

		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		rec := httptest.NewRecorder()

		server.handleStatus(rec, req)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "stopped", resp.State)
		assert.True(t, resp.StartedAt.IsZero())
	})
}

func TestHandleCreateRule(t *testing.T) {
	t.Run("creates rule and assigns ID", func(t *testing.T) {
		engine := newMockEngine()
		server := newTestServer(engine)

		body, _ := json.Marshal(map[string]interface{}{
			"match": map[string]interface{}{"path": "/api/users"},
			"reply": map[string]interface{}{"status": 200},
		})

		req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		server.handleCreateRule(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)

		var created rule.Rule
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, 1, engine.RuleCount())
	})

	t.Run("duplicate ID returns 409", func(t *testing.T) {
		engine := newMockEngine()
		engine.rules = []*rule.Rule{testRule("dup")}
		server := newTestServer(engine)

		body, _ := json.Marshal(testRule("dup"))
		req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		server.handleCreateRule(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "duplicate_id", resp.Error)
	})

	t.Run("validation failure returns 400", func(t *testing.T) {
		engine := newMockEngine()
		engine.addRuleErr = &rule.ValidationError{Field: "match", Message: "match is required"}
		server := newTestServer(engine)

		req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewReader([]byte(`{"id":"x"}`)))
		rec := httptest.NewRecorder()

		server.handleCreateRule(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "validation_error", resp.Error)
		assert.Contains(t, resp.Message, "match")
	})

	t.Run("invalid JSON returns 400", func(t *testing.T) {
		engine := newMockEngine()
		server := newTestServer(engine)

		req := httptest.NewRequest(http.MethodPost, "/rules", bytes.NewReader([]byte(`{not json`)))
		rec := httptest.NewRecorder()

		server.handleCreateRule(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGetRule(t *testing.T) {
	engine := newMockEngine()
	engine.rules = []*rule.Rule{testRule("r1")}
	server := newTestServer(engine)

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rules/r1", nil)
		req.SetPathValue("id", "r1")
		rec := httptest.NewRecorder()

		server.handleGetRule(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rules/missing", nil)
		req.SetPathValue("id", "missing")
		rec := httptest.NewRecorder()

		server.handleGetRule(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleDeleteRule(t *testing.T) {
	engine := newMockEngine()
	engine.rules = []*rule.Rule{testRule("r1")}
	server := newTestServer(engine)

	req := httptest.NewRequest(http.MethodDelete, "/rules/r1", nil)
	req.SetPathValue("id", "r1")
	rec := httptest.NewRecorder()

	server.handleDeleteRule(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, engine.RuleCount())

	rec = httptest.NewRecorder()
	server.handleDeleteRule(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleToggleRule(t *testing.T) {
	engine := newMockEngine()
	engine.rules = []*rule.Rule{testRule("r1")}
	server := newTestServer(engine)

	req := httptest.NewRequest(http.MethodPost, "/rules/r1/toggle", nil)
	req.SetPathValue("id", "r1")
	rec := httptest.NewRecorder()

	server.handleToggleRule(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ToggleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.ID)
	assert.False(t, resp.Enabled)
}

func TestHandleDeploy(t *testing.T) {
	t.Run("replace swaps the whole set", func(t *testing.T) {
		engine := newMockEngine()
		engine.rules = []*rule.Rule{testRule("old")}
		server := newTestServer(engine)

		body, _ := json.Marshal(DeployRequest{
			Rules:   []*rule.Rule{testRule("new-1"), testRule("new-2")},
			Replace: true,
		})
		req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		server.handleDeploy(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp DeployResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Deployed)
		assert.Nil(t, engine.GetRule("old"))
		assert.NotNil(t, engine.GetRule("new-1"))
	})

	t.Run("append keeps existing rules", func(t *testing.T) {
		engine := newMockEngine()
		engine.rules = []*rule.Rule{testRule("old")}
		server := newTestServer(engine)

		body, _ := json.Marshal(DeployRequest{Rules: []*rule.Rule{testRule("new-1")}})
		req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		server.handleDeploy(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 2, engine.RuleCount())
	})
}

func TestHandleListEvents(t *testing.T) {
	engine := newMockEngine()
	engine.events = []*events.Event{
		{ID: "evt-1", Type: events.TypeKeylog, Timestamp: time.Now()},
		{ID: "evt-2", Type: events.TypeRequest, Timestamp: time.Now()},
	}
	server := newTestServer(engine)

	t.Run("all events", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		rec := httptest.NewRecorder()

		server.handleListEvents(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp EventListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("filtered by type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/events?type="+events.TypeKeylog, nil)
		rec := httptest.NewRecorder()

		server.handleListEvents(rec, req)

		var resp EventListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
		assert.Equal(t, "evt-1", resp.Events[0].ID)
	})

	t.Run("invalid limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/events?limit=abc", nil)
		rec := httptest.NewRecorder()

		server.handleListEvents(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleKeylogStatus(t *testing.T) {
	engine := newMockEngine()
	engine.stats[keylog.ConnectionIncoming] = keylog.SinkStats{
		Configured: true,
		Path:       "/tmp/incoming.keylog",
		Lines:      42,
		Bytes:      5000,
	}
	server := newTestServer(engine)

	req := httptest.NewRequest(http.MethodGet, "/keylog", nil)
	rec := httptest.NewRecorder()

	server.handleKeylogStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp KeylogStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Sinks, keylog.ConnectionIncoming)
	assert.Equal(t, int64(42), resp.Sinks[keylog.ConnectionIncoming].Lines)
}
