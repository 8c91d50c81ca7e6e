package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gettlstap/tlstap/pkg/cli/internal/output"
	"github.com/gettlstap/tlstap/pkg/config"
	"github.com/gettlstap/tlstap/pkg/engine"
	"github.com/gettlstap/tlstap/pkg/logging"
)

// childEnvMarker is set in the environment of the re-executed daemon child
// so it skips the detach branch.
const childEnvMarker = "TLSTAP_CHILD"

// serveFlagVals is the package-level instance bound to cobra flags.
var serveFlagVals serveFlags

// serveFlags holds all parsed command-line flags for the serve command.
type serveFlags struct {
	configFile string

	httpsPort int
	proxyPort int
	http3Port int
	apiPort   int

	tlsCert  string
	tlsKey   string
	autoCert bool

	mtlsEnabled    bool
	mtlsClientAuth string
	mtlsCA         string
	mtlsAllowedCNs string

	keylogIncoming string
	keylogUpstream string
	keylogDir      string

	upstreamCA      string
	upstreamVerify  bool
	upstreamTimeout int

	readTimeout  int
	writeTimeout int
	maxBodySize  int
	maxEvents    int

	logLevel  string
	logFormat string

	detach  bool
	pidFile string
}

// serveCmd starts the intercepting proxy in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the intercepting proxy server (foreground)",
	Long: `Start the tlstap server: a terminating HTTPS listener, an optional
CONNECT intercept port, an optional HTTP/3 listener, and the control API.

Every TLS session on either leg is tapped for NSS key-log material when a
key-log file or directory is configured, or when a subscriber is attached
to the event stream.`,
	Example: `  # Start with an auto-generated certificate on the default port
  tlstap serve

  # Start from a config file
  tlstap serve --config tlstap.yaml

  # Terminate with your own certificate and write key-log files
  tlstap serve --tls-cert server.crt --tls-key server.key --keylog-dir ./keys

  # Enable the CONNECT intercept port for proxy-configured clients
  tlstap serve --proxy-port 8443

  # Require and verify client certificates
  tlstap serve --mtls --mtls-ca ca.crt --tls-cert server.crt --tls-key server.key

  # Run in the background
  tlstap serve -d`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, &serveFlagVals)
	},
}

func initServeCmd() {
	rootCmd.AddCommand(serveCmd)
	registerServeFlags(serveCmd, &serveFlagVals)
}

func registerServeFlags(cmd *cobra.Command, f *serveFlags) {
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Path to rule collection config file")

	cmd.Flags().IntVarP(&f.httpsPort, "https-port", "p", 4443, "Terminating HTTPS listener port (0 = auto)")
	cmd.Flags().IntVar(&f.proxyPort, "proxy-port", 0, "CONNECT intercept port (0 = disabled)")
	cmd.Flags().IntVar(&f.http3Port, "http3-port", 0, "HTTP/3 (QUIC) listener port (0 = disabled)")
	cmd.Flags().IntVarP(&f.apiPort, "api-port", "a", 0, "Control API port (0 = auto from 4281)")

	cmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	cmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "Path to TLS private key file")
	cmd.Flags().BoolVar(&f.autoCert, "auto-cert", true, "Auto-generate a self-signed certificate when no cert/key given")

	cmd.Flags().BoolVar(&f.mtlsEnabled, "mtls", false, "Enable mTLS client certificate validation")
	cmd.Flags().StringVar(&f.mtlsClientAuth, "mtls-client-auth", "require-and-verify", "Client auth mode (none, request, require, verify-if-given, require-and-verify)")
	cmd.Flags().StringVar(&f.mtlsCA, "mtls-ca", "", "Path to CA certificate for client validation")
	cmd.Flags().StringVar(&f.mtlsAllowedCNs, "mtls-allowed-cns", "", "Comma-separated list of allowed Common Names")

	cmd.Flags().StringVar(&f.keylogIncoming, "keylog-incoming", "", "Key-log file for incoming TLS sessions")
	cmd.Flags().StringVar(&f.keylogUpstream, "keylog-upstream", "", "Key-log file for upstream TLS sessions")
	cmd.Flags().StringVar(&f.keylogDir, "keylog-dir", "", "Directory for timestamped key-log files (both legs)")

	cmd.Flags().StringVar(&f.upstreamCA, "upstream-ca", "", "PEM bundle of roots to trust for upstream verification")
	cmd.Flags().BoolVar(&f.upstreamVerify, "upstream-verify", false, "Verify upstream certificates against system roots")
	cmd.Flags().IntVar(&f.upstreamTimeout, "upstream-timeout", 0, "Upstream dial timeout in seconds (default 30)")

	cmd.Flags().IntVar(&f.readTimeout, "read-timeout", 0, "HTTP read timeout in seconds")
	cmd.Flags().IntVar(&f.writeTimeout, "write-timeout", 0, "HTTP write timeout in seconds")
	cmd.Flags().IntVar(&f.maxBodySize, "max-body-size", 0, "Maximum buffered request/response body in bytes")
	cmd.Flags().IntVar(&f.maxEvents, "max-events", 0, "Event bus retention size")

	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")

	cmd.Flags().BoolVarP(&f.detach, "detach", "d", false, "Run server in background (daemon mode)")
	cmd.Flags().StringVar(&f.pidFile, "pid-file", DefaultPIDPath(), "Path to PID file")
}

func init() {
	initServeCmd()
}

func runServe(cmd *cobra.Command, f *serveFlags) error {
	// Handle detach mode (daemon) - re-exec as child and exit
	if f.detach && os.Getenv(childEnvMarker) == "" {
		return daemonize(f.pidFile)
	}

	cfg, collection, err := buildServerConfiguration(cmd, f)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(f.logLevel),
		Format: logging.ParseFormat(f.logFormat),
	})

	server := engine.NewServer(cfg, engine.WithLogger(log.With("component", "engine")))

	// Register rules from the config file before accepting traffic.
	rulesLoaded := 0
	if collection != nil {
		rules, err := config.LoadAllRules(collection.Rules, config.BaseDir(f.configFile))
		if err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
		if err := server.SetRules(rules); err != nil {
			return fmt.Errorf("registering rules: %w", err)
		}
		rulesLoaded = len(rules)
	}

	if err := server.Start(); err != nil {
		return err
	}

	if f.pidFile != "" {
		info := &PIDFile{
			PID:       os.Getpid(),
			StartTime: time.Now(),
			Version:   Version,
			Commit:    Commit,
			HTTPSPort: server.BoundPort(),
			ProxyPort: server.ProxyPort(),
			HTTP3Port: cfg.HTTP3Port,
			APIPort:   server.APIPort(),
			Config: PIDConfig{
				File:        f.configFile,
				RulesLoaded: rulesLoaded,
			},
		}
		if err := WritePIDFile(f.pidFile, info); err != nil {
			output.Warn("failed to write PID file: %v", err)
		}
	}

	printServeStartupMessage(server, rulesLoaded)

	return waitForShutdown(server, f.pidFile)
}

// buildServerConfiguration merges the config file (when given) with flag
// overrides. Flags only override what the user actually set.
func buildServerConfiguration(cmd *cobra.Command, f *serveFlags) (*config.ServerConfiguration, *config.Collection, error) {
	cfg := config.DefaultServerConfiguration()

	var collection *config.Collection
	if f.configFile != "" {
		var err error
		collection, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, nil, err
		}
		if collection.Server != nil {
			cfg = collection.Server
		}
	}

	changed := cmd.Flags().Changed

	if changed("https-port") {
		cfg.HTTPSPort = f.httpsPort
	}
	if changed("proxy-port") {
		cfg.ProxyPort = f.proxyPort
	}
	if changed("http3-port") {
		cfg.HTTP3Port = f.http3Port
	}
	if changed("api-port") {
		cfg.APIPort = f.apiPort
	}

	if f.tlsCert != "" || f.tlsKey != "" {
		if f.tlsCert == "" || f.tlsKey == "" {
			return nil, nil, errors.New("--tls-cert and --tls-key must be given together")
		}
		cfg.TLS = &config.TLSConfig{CertFile: f.tlsCert, KeyFile: f.tlsKey}
	} else if changed("auto-cert") {
		if cfg.TLS == nil {
			cfg.TLS = &config.TLSConfig{}
		}
		cfg.TLS.AutoGenerateCert = f.autoCert
	}

	if f.mtlsEnabled {
		mtls := &config.MTLSConfig{
			Enabled:    true,
			ClientAuth: f.mtlsClientAuth,
			CACertFile: f.mtlsCA,
		}
		if f.mtlsAllowedCNs != "" {
			for _, cn := range strings.Split(f.mtlsAllowedCNs, ",") {
				if cn = strings.TrimSpace(cn); cn != "" {
					mtls.AllowedCNs = append(mtls.AllowedCNs, cn)
				}
			}
		}
		cfg.MTLS = mtls
	}

	if f.keylogIncoming != "" || f.keylogUpstream != "" || f.keylogDir != "" {
		cfg.Keylog = &config.KeylogConfig{
			IncomingFile: f.keylogIncoming,
			UpstreamFile: f.keylogUpstream,
			Dir:          f.keylogDir,
		}
	}

	if f.upstreamCA != "" || changed("upstream-verify") || changed("upstream-timeout") {
		up := cfg.Upstream
		if up == nil {
			up = &config.UpstreamConfig{}
			cfg.Upstream = up
		}
		if f.upstreamCA != "" {
			up.CAFile = f.upstreamCA
		}
		if changed("upstream-verify") {
			skip := !f.upstreamVerify
			up.InsecureSkipVerify = &skip
		}
		if changed("upstream-timeout") {
			up.DialTimeout = f.upstreamTimeout
		}
	}

	if changed("read-timeout") {
		cfg.ReadTimeout = f.readTimeout
	}
	if changed("write-timeout") {
		cfg.WriteTimeout = f.writeTimeout
	}
	if changed("max-body-size") {
		cfg.MaxBodySize = f.maxBodySize
	}
	if changed("max-events") {
		cfg.MaxEventEntries = f.maxEvents
	}

	return cfg, collection, nil
}

// printServeStartupMessage prints where the listeners ended up.
func printServeStartupMessage(server *engine.Server, rulesLoaded int) {
	fmt.Printf("tlstap %s listening\n", Version)
	fmt.Printf("  HTTPS:       https://localhost:%d\n", server.BoundPort())
	if server.ProxyPort() > 0 {
		fmt.Printf("  CONNECT:     http://localhost:%d\n", server.ProxyPort())
	}
	fmt.Printf("  Control API: http://localhost:%d\n", server.APIPort())
	if rulesLoaded > 0 {
		fmt.Printf("Loaded %d rules\n", rulesLoaded)
	}
	fmt.Println("Press Ctrl+C to stop")
}

// waitForShutdown blocks until SIGINT/SIGTERM, then stops the server and
// removes the PID file.
func waitForShutdown(server *engine.Server, pidFile string) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	fmt.Println("\nShutting down...")

	if pidFile != "" {
		if err := RemovePIDFile(pidFile); err != nil {
			output.Warn("failed to remove PID file: %v", err)
		}
	}

	if err := server.Stop(); err != nil {
		output.Warn("server shutdown error: %v", err)
		return err
	}

	fmt.Println("Shutdown complete")
	return nil
}

// daemonize re-executes the current process as a background daemon.
func daemonize(pidFilePath string) error {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), childEnvMarker+"=1")

	// Detach from terminal
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Wait briefly for the child to start and write its PID file
	time.Sleep(500 * time.Millisecond)

	pidInfo, err := ReadPIDFile(pidFilePath)
	if err != nil {
		output.Warn("daemon may have failed to start (could not read PID file: %v)", err)
		return nil
	}

	if !pidInfo.IsRunning() {
		return errors.New("daemon process exited immediately")
	}

	fmt.Printf("tlstap started in background (PID %d)\n", pidInfo.PID)
	fmt.Printf("  HTTPS:       https://localhost:%d\n", pidInfo.HTTPSPort)
	if pidInfo.ProxyPort > 0 {
		fmt.Printf("  CONNECT:     http://localhost:%d\n", pidInfo.ProxyPort)
	}
	fmt.Printf("  Control API: http://localhost:%d\n", pidInfo.APIPort)
	if pidInfo.Config.RulesLoaded > 0 {
		fmt.Printf("Loaded %d rules\n", pidInfo.Config.RulesLoaded)
	}

	return nil
}
