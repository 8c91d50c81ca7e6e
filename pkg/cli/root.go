// Package cli implements the tlstap command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:4281"

var (
	// Persistent flags available to all subcommands
	apiURL     string
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tlstap",
	Short: "tlstap is an intercepting HTTPS proxy with TLS key-log capture",
	Long: `tlstap terminates TLS on both legs of an intercepted HTTPS exchange and
captures per-session NSS key-log material, so any recorded traffic can be
decrypted later in tools like Wireshark.

Requests are matched against rules that either reply with a canned response
or pass through to the real upstream over a second, equally tapped TLS leg.
A control API manages rules and streams capture events while the server runs.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	os.Exit(Main())
}

// Main runs the root command and returns a process exit code. In-process
// test harnesses call this instead of Execute.
func Main() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// resolveAPIURL returns the control API base URL: the --api-url flag when
// set, then TLSTAP_API_URL, then the default.
func resolveAPIURL() string {
	if apiURL != "" && apiURL != defaultAPIURL {
		return apiURL
	}
	if env := os.Getenv("TLSTAP_API_URL"); env != "" {
		return env
	}
	return apiURL
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultAPIURL, "Control API base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}
