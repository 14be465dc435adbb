package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/earlbridge/earl/internal/config"
)

// newRestartCmd sends SIGHUP to a running `earl run` daemon, found via its
// pidfile, for manual/external restart requests (an operator-facing
// counterpart to the chat-driven !restart command, which calls
// Runner.Restart directly in-process). Grounded on the teacher's
// cmd/ry/telegraph.go stop subcommand, which likewise signals a
// separately-running process rather than sharing memory with it.
func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Signal a running earl daemon to restart",
		Long:  "Sends SIGHUP to the earl daemon recorded in its pidfile. Equivalent to the chat !restart command, for use from outside chat (e.g. a deploy script).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestart(cmd)
		},
	}
	return cmd
}

func runRestart(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	data, err := os.ReadFile(pidFilePath(cfg.ConfigRoot))
	if err != nil {
		return fmt.Errorf("restart: no running earl daemon found (%w)", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("restart: malformed pidfile: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("restart: find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("restart: signal process %d: %w", pid, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sent restart signal to earl (pid %d)\n", pid)
	return nil
}
