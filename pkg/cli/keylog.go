package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/gettlstap/tlstap/pkg/cli/internal/output"
)

var keylogCmd = &cobra.Command{
	Use:   "keylog",
	Short: "Show key-log sink status",
	Long: `Show the state of the key-log file sinks on the running server:
resolved file paths, line and byte counters, and write errors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewAPIClient(resolveAPIURL())
		status, err := client.KeylogStatus()
		if err != nil {
			return err
		}

		printResult(status, func() {
			if len(status.Sinks) == 0 {
				fmt.Println("No key-log sinks configured")
				return
			}
			types := make([]string, 0, len(status.Sinks))
			for t := range status.Sinks {
				types = append(types, t)
			}
			sort.Strings(types)

			w := output.Table()
			fmt.Fprintln(w, "TYPE\tCONFIGURED\tPATH\tLINES\tBYTES\tERRORS")
			for _, t := range types {
				s := status.Sinks[t]
				path := s.Path
				if path == "" {
					path = "-"
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%d\t%d\n",
					t, s.Configured, path, s.Lines, s.Bytes, s.WriteErrors)
			}
			w.Flush()
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keylogCmd)
}
