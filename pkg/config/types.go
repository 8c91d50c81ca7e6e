package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gettlstap/tlstap/pkg/rule"
)

// TLSConfig defines the certificate material for the incoming termination
// layer.
type TLSConfig struct {
	// CertFile is the path to the TLS certificate file.
	CertFile string `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	// KeyFile is the path to the TLS private key file.
	KeyFile string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	// AutoGenerateCert enables auto-generation of a self-signed certificate
	// when no cert/key files are configured.
	AutoGenerateCert bool `json:"autoGenerateCert,omitempty" yaml:"autoGenerateCert,omitempty"`
}

// MTLSConfig defines mutual TLS client certificate authentication for the
// incoming leg.
type MTLSConfig struct {
	// Enabled enables mTLS client certificate verification.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// ClientAuth specifies the client authentication policy:
	// - "none": no client certificate requested
	// - "request": client certificate requested but not required
	// - "require": client certificate required but not verified
	// - "verify-if-given": verify client certificate if provided
	// - "require-and-verify": require and verify client certificate
	ClientAuth string `json:"clientAuth,omitempty" yaml:"clientAuth,omitempty"`
	// CACertFile is the path to the CA certificate for verifying clients.
	CACertFile string `json:"caCertFile,omitempty" yaml:"caCertFile,omitempty"`
	// CACertFiles is a list of CA certificate file paths.
	CACertFiles []string `json:"caCertFiles,omitempty" yaml:"caCertFiles,omitempty"`
	// AllowedCNs restricts access to clients with specific Common Names.
	AllowedCNs []string `json:"allowedCNs,omitempty" yaml:"allowedCNs,omitempty"`
	// AllowedOUs restricts access to clients with specific Organizational Units.
	AllowedOUs []string `json:"allowedOUs,omitempty" yaml:"allowedOUs,omitempty"`
}

// UpstreamConfig controls the outbound TLS leg used by passthrough rules.
type UpstreamConfig struct {
	// InsecureSkipVerify disables upstream certificate verification.
	// nil means true: an intercepting proxy accepts any upstream cert
	// unless told otherwise.
	InsecureSkipVerify *bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
	// CAFile is a PEM bundle of roots to trust for upstream verification.
	// Implies verification when set.
	CAFile string `json:"caFile,omitempty" yaml:"caFile,omitempty"`
	// DialTimeout is the upstream TCP dial timeout in seconds (default 30).
	DialTimeout int `json:"dialTimeout,omitempty" yaml:"dialTimeout,omitempty"`
}

// SkipVerify returns the effective verification policy.
func (u *UpstreamConfig) SkipVerify() bool {
	if u == nil || u.InsecureSkipVerify == nil {
		return true
	}
	return *u.InsecureSkipVerify
}

// KeylogConfig configures the per-connection-type key-log file sinks.
// All fields are optional; an unset field means no file for that type.
type KeylogConfig struct {
	// IncomingFile is the append-only key-log file for incoming sessions.
	IncomingFile string `json:"incomingFile,omitempty" yaml:"incomingFile,omitempty"`
	// UpstreamFile is the append-only key-log file for upstream sessions.
	UpstreamFile string `json:"upstreamFile,omitempty" yaml:"upstreamFile,omitempty"`
	// Dir, when set and the per-type files are not, enables both sinks
	// with timestamped file names under the directory.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// LoggingConfig configures operational logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error (default info).
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	// Format is text or json (default text).
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// ServerConfiguration defines the tlstap engine runtime settings.
type ServerConfiguration struct {
	// HTTPSPort is the port for the terminating HTTPS listener (0 = auto).
	HTTPSPort int `json:"httpsPort,omitempty" yaml:"httpsPort,omitempty"`
	// ProxyPort is the plain-HTTP CONNECT intercept port (0 = disabled).
	ProxyPort int `json:"proxyPort,omitempty" yaml:"proxyPort,omitempty"`
	// HTTP3Port is the HTTP/3 (QUIC) listener port (0 = disabled).
	HTTP3Port int `json:"http3Port,omitempty" yaml:"http3Port,omitempty"`
	// APIPort is the port for the engine control API (0 = auto from 4281).
	APIPort int `json:"apiPort,omitempty" yaml:"apiPort,omitempty"`
	// TLS configures the incoming certificate material.
	TLS *TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
	// MTLS configures mutual TLS client certificate authentication.
	MTLS *MTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
	// Upstream configures the outbound TLS leg.
	Upstream *UpstreamConfig `json:"upstream,omitempty" yaml:"upstream,omitempty"`
	// Keylog configures the key-log file sinks.
	Keylog *KeylogConfig `json:"keylog,omitempty" yaml:"keylog,omitempty"`
	// Logging configures operational logging.
	Logging *LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
	// MaxBodySize is the maximum buffered request/response body in bytes.
	MaxBodySize int `json:"maxBodySize,omitempty" yaml:"maxBodySize,omitempty"`
	// ReadTimeout is the HTTP read timeout in seconds.
	ReadTimeout int `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`
	// WriteTimeout is the HTTP write timeout in seconds.
	WriteTimeout int `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
	// MaxEventEntries is the event bus retention ring size.
	MaxEventEntries int `json:"maxEventEntries,omitempty" yaml:"maxEventEntries,omitempty"`
}

// DefaultServerConfiguration returns a ServerConfiguration with sensible
// defaults: auto-generated certificate, auto-picked ports, 10MB bodies.
func DefaultServerConfiguration() *ServerConfiguration {
	cfg := &ServerConfiguration{HTTPSPort: 4443}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset limits and timeouts with the same values
// DefaultServerConfiguration uses, so a sparse YAML server section or an
// embedding caller that only sets ports still gets working body buffering
// and event retention. Ports are left alone: zero means auto-pick for the
// HTTPS and API listeners and disabled for the optional ones.
func (s *ServerConfiguration) ApplyDefaults() {
	if s.TLS == nil {
		s.TLS = &TLSConfig{AutoGenerateCert: true}
	}
	if s.MaxBodySize <= 0 {
		s.MaxBodySize = 10 * 1024 * 1024
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 30
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 30
	}
	if s.MaxEventEntries <= 0 {
		s.MaxEventEntries = 1000
	}
}

// RuleEntry is one entry in a collection's rules list: either an inline
// rule definition, a reference to a single rule file, or a doublestar glob
// matching multiple rule files. Inline rules are written directly at the
// entry level (no wrapper key); file references use "file:" or "files:".
type RuleEntry struct {
	// Rule is the inline rule definition.
	Rule *rule.Rule

	// File references a single YAML rule file.
	File string

	// Files is a glob pattern (doublestar ** supported) of rule files.
	Files string
}

// ruleEntryRef is the file-reference shape of a rule entry.
type ruleEntryRef struct {
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
	Files string `json:"files,omitempty" yaml:"files,omitempty"`
}

// UnmarshalYAML decodes an entry as a file reference when a file or files
// key is present, and as an inline rule otherwise.
func (e *RuleEntry) UnmarshalYAML(node *yaml.Node) error {
	var ref ruleEntryRef
	if err := node.Decode(&ref); err == nil && (ref.File != "" || ref.Files != "") {
		e.File = ref.File
		e.Files = ref.Files
		return nil
	}

	var r rule.Rule
	if err := node.Decode(&r); err != nil {
		return err
	}
	e.Rule = &r
	return nil
}

// MarshalYAML renders file references as-is and inline rules flattened.
func (e RuleEntry) MarshalYAML() (interface{}, error) {
	if e.File != "" || e.Files != "" {
		return ruleEntryRef{File: e.File, Files: e.Files}, nil
	}
	return e.Rule, nil
}

// UnmarshalJSON mirrors UnmarshalYAML for JSON collections.
func (e *RuleEntry) UnmarshalJSON(data []byte) error {
	var ref ruleEntryRef
	if err := json.Unmarshal(data, &ref); err == nil && (ref.File != "" || ref.Files != "") {
		e.File = ref.File
		e.Files = ref.Files
		return nil
	}

	var r rule.Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	e.Rule = &r
	return nil
}

// MarshalJSON mirrors MarshalYAML for JSON collections.
func (e RuleEntry) MarshalJSON() ([]byte, error) {
	if e.File != "" || e.Files != "" {
		return json.Marshal(ruleEntryRef{File: e.File, Files: e.Files})
	}
	return json.Marshal(e.Rule)
}

// IsInline reports whether this entry defines a rule directly.
func (e RuleEntry) IsInline() bool {
	return e.Rule != nil && (e.Rule.Match != nil || e.Rule.ID != "" || e.Rule.Name != "")
}

// IsFileRef reports whether this entry references a single file.
func (e RuleEntry) IsFileRef() bool {
	return e.File != ""
}

// IsGlob reports whether this entry is a glob pattern.
func (e RuleEntry) IsGlob() bool {
	return e.Files != ""
}

// Collection is a rule collection document, typically one config file.
type Collection struct {
	// Version is the config format version (e.g. "1.0").
	Version string `json:"version" yaml:"version"`
	// Kind identifies the document type ("RuleCollection").
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Metadata contains collection metadata.
	Metadata *CollectionMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// Rules is the ordered list of rule entries.
	Rules []RuleEntry `json:"rules" yaml:"rules"`
	// Server contains embedded server settings, if any.
	Server *ServerConfiguration `json:"server,omitempty" yaml:"server,omitempty"`
}

// CollectionMetadata contains metadata about a rule collection.
type CollectionMetadata struct {
	// Name is the human-readable name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Description explains what this collection is for.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Tags are labels for categorization.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnvVars expands environment variables in the input string.
// Supports ${VAR_NAME} and ${VAR_NAME:-default} syntax.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ResolvePath resolves a potentially relative path against a base directory.
func ResolvePath(basePath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	// Handle ~ expansion
	if strings.HasPrefix(targetPath, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, targetPath[2:])
		}
	}
	return filepath.Join(basePath, targetPath)
}

// BaseDir returns the directory to resolve rule file references against:
// the config file's directory, or the working directory when no config
// file was used.
func BaseDir(configPath string) string {
	if configPath == "" {
		if cwd, err := os.Getwd(); err == nil {
			return cwd
		}
		return "."
	}
	return filepath.Dir(configPath)
}
