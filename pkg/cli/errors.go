package cli

import "errors"

// Common CLI errors
var (
	ErrServerNotRunning = errors.New("server not running - start with: tlstap serve")
)
