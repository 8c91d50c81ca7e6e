package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gettlstap/tlstap/internal/id"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// Common errors for configuration loading/saving.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidJSON      = errors.New("invalid JSON syntax")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrEmptyFile        = errors.New("configuration file is empty")
)

// LoadFromFile reads a Collection from a JSON or YAML file. The format is
// auto-detected from the extension (.yaml/.yml for YAML, otherwise JSON).
// Environment variables in the document are expanded before parsing.
func LoadFromFile(path string) (*Collection, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	data = []byte(ExpandEnvVars(string(data)))

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return ParseYAML(data)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%w in file: %s", ErrInvalidJSON, path)
	}
	return ParseJSON(data)
}

// SaveToFile writes a Collection to a file using atomic rename. The format
// is determined by file extension. Parent directories are created.
func SaveToFile(path string, collection *Collection) error {
	if collection == nil {
		return errors.New("collection cannot be nil")
	}

	ext := strings.ToLower(filepath.Ext(path))
	var data []byte
	var err error

	if ext == ".yaml" || ext == ".yml" {
		data, err = yaml.Marshal(collection)
	} else {
		data, err = json.MarshalIndent(collection, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to marshal collection: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}

// ParseJSON parses JSON bytes into a Collection with validation.
func ParseJSON(data []byte) (*Collection, error) {
	var collection Collection

	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if err := collection.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &collection, nil
}

// ParseYAML parses YAML bytes into a Collection with validation.
func ParseYAML(data []byte) (*Collection, error) {
	var collection Collection

	if err := yaml.Unmarshal(data, &collection); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	if err := collection.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &collection, nil
}

// Validate checks the collection's structure. Inline rules validate fully;
// file references are only checked for mutual exclusion — referenced files
// validate when loaded.
func (c *Collection) Validate() error {
	for i, entry := range c.Rules {
		set := 0
		if entry.IsInline() {
			set++
		}
		if entry.IsFileRef() {
			set++
		}
		if entry.IsGlob() {
			set++
		}
		if set == 0 {
			return &rule.ValidationError{
				Field:   fmt.Sprintf("rules[%d]", i),
				Message: "entry must be an inline rule, a file reference, or a files glob",
			}
		}
		if set > 1 {
			return &rule.ValidationError{
				Field:   fmt.Sprintf("rules[%d]", i),
				Message: "inline rule, file, and files are mutually exclusive",
			}
		}
		if entry.IsInline() {
			// IDs are assigned at load/registration time; validate a
			// clone with a placeholder so unsaved rules still check out.
			r := entry.Rule
			if r.ID == "" {
				r = r.Clone()
				r.ID = id.Rule()
			}
			if err := r.Validate(); err != nil {
				return fmt.Errorf("rules[%d]: %w", i, err)
			}
		}
	}
	if c.Server != nil {
		if err := c.Server.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the server configuration's structural constraints.
func (s *ServerConfiguration) Validate() error {
	for name, port := range map[string]int{
		"httpsPort": s.HTTPSPort,
		"proxyPort": s.ProxyPort,
		"http3Port": s.HTTP3Port,
		"apiPort":   s.APIPort,
	} {
		if port < 0 || port > 65535 {
			return &rule.ValidationError{Field: name, Message: "port must be between 0 and 65535"}
		}
	}
	if s.TLS != nil && !s.TLS.AutoGenerateCert {
		if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
			return &rule.ValidationError{Field: "tls", Message: "certFile and keyFile must be set together"}
		}
	}
	if s.MTLS != nil && s.MTLS.Enabled {
		switch s.MTLS.ClientAuth {
		case "", "none", "request", "require", "verify-if-given", "require-and-verify":
		default:
			return &rule.ValidationError{Field: "mtls.clientAuth", Message: "invalid clientAuth mode: " + s.MTLS.ClientAuth}
		}
	}
	return nil
}
