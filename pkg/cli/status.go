package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// StatusOutput represents the JSON output format for status.
type StatusOutput struct {
	Running   bool   `json:"running"`
	State     string `json:"state,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Version   string `json:"version,omitempty"`
	Uptime    string `json:"uptime,omitempty"`
	HTTPSPort int    `json:"httpsPort,omitempty"`
	ProxyPort int    `json:"proxyPort,omitempty"`
	APIPort   int    `json:"apiPort,omitempty"`
	RuleCount int    `json:"ruleCount"`
}

var statusPIDFile string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of the running tlstap server",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := StatusOutput{}

		// The PID file locates the local process and its control API;
		// --api-url overrides it for remote servers.
		info, pidErr := ReadPIDFile(statusPIDFile)
		if pidErr == nil && info.IsRunning() {
			out.Running = true
			out.PID = info.PID
			out.Version = info.Version
			out.Uptime = info.FormatUptime()
			out.HTTPSPort = info.HTTPSPort
			out.ProxyPort = info.ProxyPort
			out.APIPort = info.APIPort
		}

		target := resolveAPIURL()
		if !cmd.Flags().Changed("api-url") && out.Running && info.APIURL() != "" {
			target = info.APIURL()
		}

		client := NewAPIClient(target)
		if st, err := client.Status(); err == nil {
			out.Running = true
			out.State = st.State
			out.RuleCount = st.RuleCount
			if out.HTTPSPort == 0 {
				out.HTTPSPort = st.HTTPSPort
			}
			if out.ProxyPort == 0 {
				out.ProxyPort = st.ProxyPort
			}
		}

		printResult(out, func() {
			if !out.Running {
				fmt.Println("tlstap is not running")
				return
			}
			fmt.Println("tlstap is running")
			if out.PID > 0 {
				fmt.Printf("  PID:         %d\n", out.PID)
			}
			if out.Uptime != "" {
				fmt.Printf("  Uptime:      %s\n", out.Uptime)
			}
			if out.State != "" {
				fmt.Printf("  State:       %s\n", out.State)
			}
			if out.HTTPSPort > 0 {
				fmt.Printf("  HTTPS:       https://localhost:%d\n", out.HTTPSPort)
			}
			if out.ProxyPort > 0 {
				fmt.Printf("  CONNECT:     http://localhost:%d\n", out.ProxyPort)
			}
			if out.APIPort > 0 {
				fmt.Printf("  Control API: http://localhost:%d\n", out.APIPort)
			}
			fmt.Printf("  Rules:       %d\n", out.RuleCount)
		})

		if !out.Running {
			return ErrServerNotRunning
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusPIDFile, "pid-file", DefaultPIDPath(), "Path to PID file")
	rootCmd.AddCommand(statusCmd)
}
