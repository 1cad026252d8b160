package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/toolrelay/pkg/relay"
)

var (
	stopWait    bool
	stopTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
	stopCmd.Flags().BoolVar(&stopWait, "wait", false, "wait for the daemon to exit")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long --wait waits")
}

var errNotRunning = errors.New("no running daemon")

// readPID reads the daemon PID file and checks the process is alive with
// signal 0.
func readPID() (int, error) {
	cfg := loadConfig()
	pidPath := filepath.Join(cfg.DataDir, pidFileName)

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w (PID file not found)", errNotRunning)
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	if !alive(pid) {
		return 0, fmt.Errorf("%w (process %d not found)", errNotRunning, pid)
	}
	return pid, nil
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func signalDaemon(sig syscall.Signal) (int, error) {
	pid, err := readPID()
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("send %s: %w", sig, err)
	}
	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGTERM)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to daemon (PID %d).\n", pid)
		if !stopWait {
			return nil
		}

		deadline := time.Now().Add(stopTimeout)
		for alive(pid) {
			if time.Now().After(deadline) {
				return fmt.Errorf("daemon (PID %d) still running after %s", pid, stopTimeout)
			}
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprintln(os.Stdout, "Daemon stopped.")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to daemon (PID %d) for restart.\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running and serving",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		pid, err := readPID()
		if err != nil {
			if errors.Is(err, errNotRunning) {
				fmt.Fprintln(os.Stdout, red("stopped"))
				return nil
			}
			return err
		}

		client := relay.NewClient(cfg.WorkerRelayURL(), "")
		client.Retry = relay.NoRetry()
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()

		if err := client.Health(ctx); err != nil {
			fmt.Fprintf(os.Stdout, "%s (PID %d), health check failed: %v\n", red("unhealthy"), pid, err)
			return nil
		}
		fmt.Fprintf(os.Stdout, "%s (PID %d) on %s\n", green("running"), pid, cfg.HTTP.Listen)
		return nil
	},
}
