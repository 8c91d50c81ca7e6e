package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gettlstap/tlstap/pkg/engine/api"
	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// APIClient provides methods for communicating with the tlstap control API.
type APIClient interface {
	// Health checks if the server is running.
	Health() error
	// Status returns the engine status.
	Status() (*api.StatusResponse, error)
	// ListRules returns all configured rules.
	ListRules() ([]*rule.Rule, error)
	// GetRule returns a specific rule by ID.
	GetRule(id string) (*rule.Rule, error)
	// CreateRule registers a new rule and returns it with its assigned ID.
	CreateRule(r *rule.Rule) (*rule.Rule, error)
	// UpdateRule replaces an existing rule by ID.
	UpdateRule(id string, r *rule.Rule) (*rule.Rule, error)
	// DeleteRule deletes a rule by ID.
	DeleteRule(id string) error
	// ToggleRule flips a rule's enabled state and returns the new state.
	ToggleRule(id string) (bool, error)
	// Deploy registers a batch of rules, optionally replacing all
	// existing ones.
	Deploy(rules []*rule.Rule, replace bool) (*api.DeployResponse, error)
	// ListEvents returns recent bus events with optional filtering.
	ListEvents(eventType string, limit int) ([]*events.Event, error)
	// ClearEvents deletes all retained events.
	ClearEvents() error
	// KeylogStatus returns the key-log sink status.
	KeylogStatus() (*api.KeylogStatusResponse, error)
}

// APIError represents an error response from the control API.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// apiClient implements APIClient over HTTP.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures an API client.
type ClientOption func(*apiClient)

// WithTimeout sets the HTTP timeout for the client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *apiClient) {
		c.httpClient.Timeout = timeout
	}
}

// NewAPIClient creates a new control API client.
// The baseURL should be the control API base URL
// (e.g., "http://localhost:4281").
func NewAPIClient(baseURL string, opts ...ClientOption) APIClient {
	c := &apiClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks if the server is running.
func (c *apiClient) Health() error {
	resp, err := c.get("/health")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// Status returns the engine status.
func (c *apiClient) Status() (*api.StatusResponse, error) {
	resp, err := c.get("/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// ListRules returns all configured rules.
func (c *apiClient) ListRules() ([]*rule.Rule, error) {
	resp, err := c.get("/rules")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result api.RuleListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Rules, nil
}

// GetRule returns a specific rule by ID.
func (c *apiClient) GetRule(id string) (*rule.Rule, error) {
	resp, err := c.get("/rules/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result rule.Rule
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// CreateRule registers a new rule.
func (c *apiClient) CreateRule(r *rule.Rule) (*rule.Rule, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule: %w", err)
	}

	resp, err := c.post("/rules", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp)
	}

	var created rule.Rule
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &created, nil
}

// UpdateRule replaces an existing rule by ID.
func (c *apiClient) UpdateRule(id string, r *rule.Rule) (*rule.Rule, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule: %w", err)
	}

	resp, err := c.put("/rules/"+url.PathEscape(id), body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var updated rule.Rule
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &updated, nil
}

// DeleteRule deletes a rule by ID.
func (c *apiClient) DeleteRule(id string) error {
	resp, err := c.delete("/rules/" + url.PathEscape(id))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return c.parseError(resp)
	}
	return nil
}

// ToggleRule flips a rule's enabled state.
func (c *apiClient) ToggleRule(id string) (bool, error) {
	resp, err := c.post("/rules/"+url.PathEscape(id)+"/toggle", nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, c.parseError(resp)
	}

	var result api.ToggleResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Enabled, nil
}

// Deploy registers a batch of rules.
func (c *apiClient) Deploy(rules []*rule.Rule, replace bool) (*api.DeployResponse, error) {
	body, err := json.Marshal(api.DeployRequest{Rules: rules, Replace: replace})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rules: %w", err)
	}

	resp, err := c.post("/deploy", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result api.DeployResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// ListEvents returns recent bus events.
func (c *apiClient) ListEvents(eventType string, limit int) ([]*events.Event, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.get(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result api.EventListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Events, nil
}

// ClearEvents deletes all retained events.
func (c *apiClient) ClearEvents() error {
	resp, err := c.delete("/events")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// KeylogStatus returns the key-log sink status.
func (c *apiClient) KeylogStatus() (*api.KeylogStatusResponse, error) {
	resp, err := c.get("/keylog")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result api.KeylogStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// get performs an HTTP GET request.
func (c *apiClient) get(path string) (*http.Response, error) {
	return c.doRequest(http.MethodGet, path, nil)
}

// post performs an HTTP POST request.
func (c *apiClient) post(path string, body []byte) (*http.Response, error) {
	return c.doRequest(http.MethodPost, path, body)
}

// put performs an HTTP PUT request.
func (c *apiClient) put(path string, body []byte) (*http.Response, error) {
	return c.doRequest(http.MethodPut, path, body)
}

// delete performs an HTTP DELETE request.
func (c *apiClient) delete(path string) (*http.Response, error) {
	return c.doRequest(http.MethodDelete, path, nil)
}

// doRequest performs an HTTP request.
func (c *apiClient) doRequest(method, path string, body []byte) (*http.Response, error) {
	fullURL := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{
			StatusCode: 0,
			ErrorCode:  "connection_error",
			Message:    fmt.Sprintf("cannot connect to control API at %s: %v", c.baseURL, err),
		}
	}
	return resp, nil
}

// parseError parses an error response from the API.
func (c *apiClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorCode:  errResp.Error,
			Message:    msg,
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		ErrorCode:  "unknown_error",
		Message:    fmt.Sprintf("server returned status %d: %s", resp.StatusCode, string(body)),
	}
}

// FormatConnectionError returns a user-friendly error message for
// connection failures.
func FormatConnectionError(err error) string {
	if apiErr, ok := err.(*APIError); ok && apiErr.ErrorCode == "connection_error" {
		return fmt.Sprintf(`Error: %s

Suggestions:
  • Start the server: tlstap serve
  • Check if the server is running on the expected port
  • Verify the control API URL with: tlstap status`, apiErr.Message)
	}
	return err.Error()
}
