package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/earlbridge/earl/internal/config"
	"github.com/earlbridge/earl/internal/registry"
)

// newStatusCmd reads the Persistent Store directly rather than talking to
// a running daemon, mirroring the teacher's cmd/ry/status.go (which reads
// straight from the Dolt database rather than querying a live process).
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List known threads from the session store",
		Long:  "Reads sessions.json directly and prints one row per known thread, whether or not the earl daemon is currently running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
	return cmd
}

func runStatus(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	store := registry.NewStore(filepath.Join(cfg.ConfigRoot, "sessions.json"))
	persisted, err := store.Load()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	out := cmd.OutOrStdout()

	if len(persisted) == 0 {
		fmt.Fprintln(out, "no sessions.")
		return nil
	}

	ids := make([]string, 0, len(persisted))
	for id := range persisted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(out, "%-28s %-20s %-8s %-8s %-10s %s\n", "THREAD", "CHANNEL", "PAUSED", "TURNS", "COST", "LAST ACTIVITY")
	for _, id := range ids {
		ps := persisted[id]
		fmt.Fprintf(out, "%-28s %-20s %-8t %-8d $%-9.4f %s\n",
			id, ps.ChannelID, ps.IsPaused, ps.MessageCount, ps.TotalCost, ps.LastActivityAt.Format("2006-01-02 15:04:05"))
	}

	if len(cfg.Heartbeats) > 0 {
		fmt.Fprintf(out, "\n%d configured heartbeat(s):\n", len(cfg.Heartbeats))
		for _, h := range cfg.Heartbeats {
			schedule := h.Cron
			if schedule == "" {
				schedule = h.Interval
			}
			fmt.Fprintf(out, "  %-20s %s\n", h.Name, schedule)
		}
	}

	return nil
}
