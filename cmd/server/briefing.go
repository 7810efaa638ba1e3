package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-chat/backend/internal/config"
	"github.com/agent-chat/backend/internal/heartbeat"
	"github.com/spf13/cobra"
)

// briefingCmd prints the orchestrator briefing straight from the heartbeat
// board, without a running server.
func briefingCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "briefing",
		Short: "Print the worker briefing from the heartbeat board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			beats, err := heartbeat.NewBoard(cfg.Heartbeat.Dir).All()
			if err != nil {
				return fmt.Errorf("read heartbeats: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(beats)
			}
			fmt.Fprint(out, heartbeat.Briefing(beats, time.Now()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw heartbeats as JSON")
	return cmd
}
