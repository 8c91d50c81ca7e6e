package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/gettlstap/tlstap/pkg/cli/internal/output"
	"github.com/gettlstap/tlstap/pkg/portability"
	"github.com/gettlstap/tlstap/pkg/rule"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage dispatch rules on a running server",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewAPIClient(resolveAPIURL())
		rules, err := client.ListRules()
		if err != nil {
			return err
		}

		printResult(rules, func() {
			if len(rules) == 0 {
				fmt.Println("No rules configured")
				return
			}
			w := output.Table()
			fmt.Fprintln(w, "ID\tNAME\tACTION\tMATCH\tENABLED")
			for _, r := range rules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					r.ID, displayName(r), actionName(r), matchSummary(r), r.IsEnabled())
			}
			w.Flush()
		})
		return nil
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one rule as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewAPIClient(resolveAPIURL())
		r, err := client.GetRule(args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(r)
		}
		data, err := yaml.Marshal(r)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var (
	addName    string
	addMethod  string
	addPath    string
	addHost    string
	addStatus  int
	addBody    string
	addDelayMs int
	addTo      string
	addToPort  int
)

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a reply or passthrough rule",
	Long: `Add a rule to the running server.

By default the rule replies with a canned response (--status, --body).
With --to (or an empty --to "" for the original target) the rule passes
the request through to the upstream instead.`,
	Example: `  # Reply rule
  tlstap rules add --path /api/users --status 200 --body '{"users":[]}'

  # Passthrough to the real upstream
  tlstap rules add --host api.example.com --to api.example.com

  # Passthrough to the original CONNECT target
  tlstap rules add --path '/api/*' --to ""`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r := &rule.Rule{
			Name: addName,
			Match: &rule.Match{
				Method: addMethod,
				Path:   addPath,
				Host:   addHost,
			},
		}
		if cmd.Flags().Changed("to") {
			r.PassThrough = &rule.PassThrough{Host: addTo, Port: addToPort}
		} else {
			r.Reply = &rule.Reply{
				Status:  addStatus,
				Body:    addBody,
				DelayMs: addDelayMs,
			}
		}

		client := NewAPIClient(resolveAPIURL())
		created, err := client.CreateRule(r)
		if err != nil {
			return err
		}

		printResult(created, func() {
			fmt.Printf("Created rule %s (%s)\n", created.ID, displayName(created))
		})
		return nil
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewAPIClient(resolveAPIURL())
		if err := client.DeleteRule(args[0]); err != nil {
			return err
		}
		printResult(map[string]string{"deleted": args[0]}, func() {
			fmt.Printf("Deleted rule %s\n", args[0])
		})
		return nil
	},
}

var importReplace bool

var rulesImportCmd = &cobra.Command{
	Use:   "import <openapi-file>",
	Short: "Scaffold reply rules from an OpenAPI document",
	Long: `Read an OpenAPI 3.x document and register one reply rule per
operation, with example bodies derived from the document's examples and
schemas.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		rules, err := portability.ImportOpenAPI(data)
		if err != nil {
			return fmt.Errorf("importing %s: %w", args[0], err)
		}

		client := NewAPIClient(resolveAPIURL())
		result, err := client.Deploy(rules, importReplace)
		if err != nil {
			return err
		}

		printResult(result, func() {
			fmt.Printf("Imported %d rules from %s\n", result.Deployed, args[0])
			titler := cases.Title(language.English)
			for _, r := range rules {
				fmt.Printf("  %s\n", titler.String(displayName(r)))
			}
		})
		return nil
	},
}

var templateName string

// ruleTemplates are the starter rule sets offered by "rules template".
var ruleTemplates = map[string][]*rule.Rule{
	"reply": {
		{
			Name:  "hello",
			Match: &rule.Match{Method: "GET", Path: "/hello"},
			Reply: &rule.Reply{
				Status:  200,
				Headers: map[string]string{"Content-Type": "application/json"},
				Body:    `{"message": "hello from tlstap"}`,
			},
		},
	},
	"passthrough": {
		{
			Name:        "tap everything",
			Match:       &rule.Match{PathPattern: "/**"},
			PassThrough: &rule.PassThrough{},
		},
	},
	"mixed": {
		{
			Name:  "stub health checks",
			Match: &rule.Match{Path: "/health"},
			Reply: &rule.Reply{Status: 200, Body: `{"status": "ok"}`},
		},
		{
			Name:        "forward the rest",
			Match:       &rule.Match{PathPattern: "/**"},
			PassThrough: &rule.PassThrough{},
		},
	},
}

var rulesTemplateCmd = &cobra.Command{
	Use:   "template",
	Short: "Print a starter rule file",
	Long: `Print a starter rule file to stdout, ready to save and load with
"tlstap serve --config". Use --name list to see available templates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if templateName == "list" {
			titler := cases.Title(language.English)
			fmt.Println("Available templates:")
			for _, name := range []string{"reply", "passthrough", "mixed"} {
				fmt.Printf("  %-13s%s\n", name, titler.String(strings.ReplaceAll(name, "-", " ")))
			}
			return nil
		}

		rules, ok := ruleTemplates[templateName]
		if !ok {
			return fmt.Errorf("unknown template: %s (use --name list)", templateName)
		}

		doc := map[string]interface{}{
			"version": "1.0",
			"kind":    "RuleCollection",
			"rules":   rules,
		}
		data, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

// displayName returns a human-readable name for a rule.
func displayName(r *rule.Rule) string {
	if r.Name != "" {
		return r.Name
	}
	return matchSummary(r)
}

// actionName names the rule's action for table output.
func actionName(r *rule.Rule) string {
	if r.PassThrough != nil {
		return "passthrough"
	}
	return "reply"
}

// matchSummary renders a compact match description.
func matchSummary(r *rule.Rule) string {
	if r.Match == nil {
		return ""
	}
	var parts []string
	if r.Match.Method != "" {
		parts = append(parts, r.Match.Method)
	}
	switch {
	case r.Match.Path != "":
		parts = append(parts, r.Match.Path)
	case r.Match.PathPattern != "":
		parts = append(parts, r.Match.PathPattern)
	}
	if r.Match.Host != "" {
		parts = append(parts, "host="+r.Match.Host)
	}
	return strings.Join(parts, " ")
}

func init() {
	rulesAddCmd.Flags().StringVar(&addName, "name", "", "Rule display name")
	rulesAddCmd.Flags().StringVar(&addMethod, "method", "", "HTTP method to match (empty = any)")
	rulesAddCmd.Flags().StringVar(&addPath, "path", "", "URL path to match")
	rulesAddCmd.Flags().StringVar(&addHost, "host", "", "Host to match")
	rulesAddCmd.Flags().IntVar(&addStatus, "status", 200, "Reply status code")
	rulesAddCmd.Flags().StringVar(&addBody, "body", "", "Reply body")
	rulesAddCmd.Flags().IntVar(&addDelayMs, "delay-ms", 0, "Reply delay in milliseconds")
	rulesAddCmd.Flags().StringVar(&addTo, "to", "", "Passthrough upstream host (empty = original target)")
	rulesAddCmd.Flags().IntVar(&addToPort, "to-port", 0, "Passthrough upstream port (0 = 443)")

	rulesImportCmd.Flags().BoolVar(&importReplace, "replace", false, "Replace all existing rules")

	rulesTemplateCmd.Flags().StringVarP(&templateName, "name", "n", "reply", "Template name (use 'list' to see available templates)")

	rulesCmd.AddCommand(rulesListCmd, rulesGetCmd, rulesAddCmd, rulesDeleteCmd, rulesImportCmd, rulesTemplateCmd)
	rootCmd.AddCommand(rulesCmd)
}
