package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopPIDFile string
	stopForce   bool
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tlstap server",
	Long: `Stop the running tlstap server using its PID file.

Sends a graceful shutdown signal and waits for the process to exit.
Use --force to kill the process immediately.`,
	Example: `  # Stop the server
  tlstap stop

  # Force stop
  tlstap stop --force

  # Stop with a longer timeout
  tlstap stop --timeout 30`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := ReadPIDFile(stopPIDFile)
		if err != nil {
			return fmt.Errorf("tlstap is not running (no PID file found at %s)", stopPIDFile)
		}

		if !info.IsRunning() {
			// Stale PID file - clean it up
			_ = RemovePIDFile(stopPIDFile)
			return errors.New("tlstap is not running (stale PID file removed)")
		}

		process, err := os.FindProcess(info.PID)
		if err != nil {
			return fmt.Errorf("failed to find process %d: %w", info.PID, err)
		}

		sig := signalTerm
		sigName := signalTermName()
		if stopForce {
			sig = signalKill
			sigName = signalKillName()
		}

		fmt.Printf("Stopping tlstap (PID %d) with %s... ", info.PID, sigName)

		if err := process.Signal(sig); err != nil {
			fmt.Println("failed")
			return fmt.Errorf("failed to send signal: %w", err)
		}

		// For a force kill there is no graceful wait.
		if stopForce {
			fmt.Println("done")
			time.Sleep(100 * time.Millisecond)
			_ = RemovePIDFile(stopPIDFile)
			return nil
		}

		deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
		for time.Now().Before(deadline) {
			if !checkProcessRunning(info.PID) {
				fmt.Println("done")
				_ = RemovePIDFile(stopPIDFile)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}

		fmt.Println("timeout")
		fmt.Printf("\nProcess did not stop within %d seconds.\n", stopTimeout)
		fmt.Println("Try: tlstap stop --force")
		return errors.New("timeout waiting for process to stop")
	},
}

func init() {
	stopCmd.Flags().StringVar(&stopPIDFile, "pid-file", DefaultPIDPath(), "Path to PID file")
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "Kill the process instead of asking it to shut down")
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 10, "Timeout in seconds to wait for graceful shutdown")
	rootCmd.AddCommand(stopCmd)
}
