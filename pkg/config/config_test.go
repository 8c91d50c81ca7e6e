package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gettlstap/tlstap/pkg/rule"
)

func TestLoadFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tlstap.yaml")
	content := `version: "1.0"
kind: RuleCollection
metadata:
  name: test collection
server:
  httpsPort: 4443
  keylog:
    incomingFile: /tmp/incoming.keys
rules:
  - name: health
    match:
      method: GET
      path: /health
    reply:
      status: 200
      body: ok
  - name: forward
    match:
      pathPattern: /api/**
    passThrough:
      host: api.example.com
      port: 443
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	collection, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "1.0", collection.Version)
	assert.Equal(t, "test collection", collection.Metadata.Name)
	require.NotNil(t, collection.Server)
	assert.Equal(t, 4443, collection.Server.HTTPSPort)
	require.NotNil(t, collection.Server.Keylog)
	assert.Equal(t, "/tmp/incoming.keys", collection.Server.Keylog.IncomingFile)

	require.Len(t, collection.Rules, 2)
	require.True(t, collection.Rules[0].IsInline())
	assert.Equal(t, "health", collection.Rules[0].Rule.Name)
	assert.Equal(t, "reply", collection.Rules[0].Rule.ActionKind())
	assert.Equal(t, "passthrough", collection.Rules[1].Rule.ActionKind())
	assert.Equal(t, "api.example.com", collection.Rules[1].Rule.PassThrough.Host)
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/tlstap.yaml")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoadFromFile_Empty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := LoadFromFile(path)
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestLoadFromFile_EnvExpansion(t *testing.T) {
	t.Setenv("TLSTAP_TEST_UPSTREAM", "real.example.com")

	dir := t.TempDir()
	path := filepath.Join(dir, "tlstap.yaml")
	content := `version: "1.0"
rules:
  - name: env
    match:
      path: /env
    passThrough:
      host: ${TLSTAP_TEST_UPSTREAM}
  - name: default
    match:
      path: /default
    passThrough:
      host: ${TLSTAP_TEST_UNSET:-fallback.example.com}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	collection, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, collection.Rules, 2)
	assert.Equal(t, "real.example.com", collection.Rules[0].Rule.PassThrough.Host)
	assert.Equal(t, "fallback.example.com", collection.Rules[1].Rule.PassThrough.Host)
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "tlstap.yaml")

	collection := &Collection{
		Version: "1.0",
		Kind:    "RuleCollection",
		Rules: []RuleEntry{
			{Rule: &rule.Rule{
				ID:    "rule-1",
				Name:  "health",
				Match: &rule.Match{Method: "GET", Path: "/health"},
				Reply: &rule.Reply{Status: 200, Body: "ok"},
			}},
			{Files: "rules/**/*.yaml"},
		},
	}

	require.NoError(t, SaveToFile(path, collection))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, loaded.Rules, 2)
	assert.Equal(t, "rule-1", loaded.Rules[0].Rule.ID)
	assert.True(t, loaded.Rules[1].IsGlob())
	assert.Equal(t, "rules/**/*.yaml", loaded.Rules[1].Files)
}

func TestCollectionValidate_InvalidRule(t *testing.T) {
	collection := &Collection{
		Version: "1.0",
		Rules: []RuleEntry{
			{Rule: &rule.Rule{
				Name:  "bad",
				Match: &rule.Match{Method: "GET", Path: "/x"},
				// No action
			}},
		},
	}

	err := collection.Validate()
	require.Error(t, err)
}

func TestCollectionValidate_EmptyEntry(t *testing.T) {
	collection := &Collection{Version: "1.0", Rules: []RuleEntry{{}}}

	err := collection.Validate()
	require.Error(t, err)
	var verr *rule.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rules[0]", verr.Field)
}

func TestServerConfigurationValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *ServerConfiguration
		wantErr bool
	}{
		{"defaults", DefaultServerConfiguration(), false},
		{"bad port", &ServerConfiguration{HTTPSPort: 70000}, true},
		{"cert without key", &ServerConfiguration{TLS: &TLSConfig{CertFile: "cert.pem"}}, true},
		{"bad client auth", &ServerConfiguration{MTLS: &MTLSConfig{Enabled: true, ClientAuth: "mandatory"}}, true},
		{"good client auth", &ServerConfiguration{MTLS: &MTLSConfig{Enabled: true, ClientAuth: "require-and-verify"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerConfigurationApplyDefaults(t *testing.T) {
	t.Run("fills unset fields", func(t *testing.T) {
		cfg := &ServerConfiguration{HTTPSPort: 8443}
		cfg.ApplyDefaults()

		assert.Equal(t, 8443, cfg.HTTPSPort)
		assert.Equal(t, 0, cfg.ProxyPort, "optional ports stay disabled")
		assert.Equal(t, 10*1024*1024, cfg.MaxBodySize)
		assert.Equal(t, 30, cfg.ReadTimeout)
		assert.Equal(t, 30, cfg.WriteTimeout)
		assert.Equal(t, 1000, cfg.MaxEventEntries)
		require.NotNil(t, cfg.TLS)
		assert.True(t, cfg.TLS.AutoGenerateCert)
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		cfg := &ServerConfiguration{
			TLS:             &TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"},
			MaxBodySize:     1024,
			ReadTimeout:     5,
			WriteTimeout:    5,
			MaxEventEntries: 10,
		}
		cfg.ApplyDefaults()

		assert.Equal(t, "cert.pem", cfg.TLS.CertFile)
		assert.Equal(t, 1024, cfg.MaxBodySize)
		assert.Equal(t, 5, cfg.ReadTimeout)
		assert.Equal(t, 5, cfg.WriteTimeout)
		assert.Equal(t, 10, cfg.MaxEventEntries)
	})
}

func TestUpstreamConfig_SkipVerify(t *testing.T) {
	var cfg *UpstreamConfig
	assert.True(t, cfg.SkipVerify(), "nil config defaults to skip")

	verify := false
	cfg = &UpstreamConfig{InsecureSkipVerify: &verify}
	assert.False(t, cfg.SkipVerify())
}
