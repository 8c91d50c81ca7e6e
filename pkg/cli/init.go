package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gettlstap/tlstap/pkg/config"
	"github.com/gettlstap/tlstap/pkg/rule"
)

var (
	initOutput   string
	initForce    bool
	initDefaults bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter tlstap configuration file",
	Long: `Create a starter tlstap.yaml with server settings and example rules.

By default an interactive wizard asks for ports, the key-log directory, and
whether to add a catch-all passthrough rule. Use --defaults to skip the
wizard and write a ready-to-run config.`,
	Example: `  # Interactive setup
  tlstap init

  # Non-interactive, defaults only
  tlstap init --defaults

  # Custom filename, overwrite if present
  tlstap init -o intercept.yaml --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(initOutput); err == nil && !initForce {
			return fmt.Errorf("file already exists: %s\n\nUse --force to overwrite", initOutput)
		}

		var collection *config.Collection
		var err error
		if initDefaults {
			collection = defaultInitCollection()
		} else {
			collection, err = runInitWizard()
			if err != nil {
				return err
			}
		}

		data, err := yaml.Marshal(collection)
		if err != nil {
			return err
		}

		if err := os.WriteFile(initOutput, data, 0644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("Created %s\n", initOutput)
		fmt.Printf("\nStart the server with:\n  tlstap serve --config %s\n", initOutput)
		return nil
	},
}

// defaultInitCollection is the config written by --defaults: terminate on
// 4443, write key-logs under ./keylog, reply to /hello and pass everything
// else through.
func defaultInitCollection() *config.Collection {
	return &config.Collection{
		Version: "1.0",
		Kind:    "RuleCollection",
		Metadata: &config.CollectionMetadata{
			Name:        "tlstap starter",
			Description: "Terminating proxy with key-log capture and a catch-all passthrough",
		},
		Server: &config.ServerConfiguration{
			HTTPSPort: 4443,
			TLS:       &config.TLSConfig{AutoGenerateCert: true},
			Keylog:    &config.KeylogConfig{Dir: "keylog"},
		},
		Rules: []config.RuleEntry{
			{Rule: &rule.Rule{
				Name:  "hello",
				Match: &rule.Match{Method: "GET", Path: "/hello"},
				Reply: &rule.Reply{
					Status:  200,
					Headers: map[string]string{"Content-Type": "application/json"},
					Body:    `{"message": "hello from tlstap"}`,
				},
			}},
			{Rule: &rule.Rule{
				Name:        "forward everything else",
				Match:       &rule.Match{PathPattern: "/**"},
				PassThrough: &rule.PassThrough{},
			}},
		},
	}
}

// runInitWizard collects the starter settings interactively.
func runInitWizard() (*config.Collection, error) {
	httpsPortStr := "4443"
	proxyPortStr := "0"
	keylogDir := "keylog"
	catchAll := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTPS port for the terminating listener").
				Value(&httpsPortStr).
				Validate(validatePort),
			huh.NewInput().
				Title("CONNECT intercept port (0 = disabled)").
				Value(&proxyPortStr).
				Validate(validatePort),
			huh.NewInput().
				Title("Directory for key-log files (empty = no files)").
				Placeholder("keylog").
				Value(&keylogDir),
			huh.NewConfirm().
				Title("Add a catch-all passthrough rule?").
				Description("Unmatched requests are forwarded to their original target.").
				Value(&catchAll),
		),
	)

	if err := form.Run(); err != nil {
		return nil, err
	}

	httpsPort, _ := strconv.Atoi(httpsPortStr)
	proxyPort, _ := strconv.Atoi(proxyPortStr)

	collection := defaultInitCollection()
	collection.Server.HTTPSPort = httpsPort
	collection.Server.ProxyPort = proxyPort
	if keylogDir == "" {
		collection.Server.Keylog = nil
	} else {
		collection.Server.Keylog = &config.KeylogConfig{Dir: keylogDir}
	}
	if !catchAll {
		collection.Rules = collection.Rules[:1]
	}
	return collection, nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.New("must be a number")
	}
	if n < 0 || n > 65535 {
		return errors.New("must be between 0 and 65535")
	}
	return nil
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "tlstap.yaml", "Output filename")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")
	initCmd.Flags().BoolVar(&initDefaults, "defaults", false, "Skip the wizard and write defaults")
	rootCmd.AddCommand(initCmd)
}
