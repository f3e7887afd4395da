package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <room>",
		Short: "Queue a run of the room's scenario now",
		Long: "Queue a run of the room's scenario now. A running `serve` picks it up on its\n" +
			"next poll of the durable queue.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openQueueApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			force, _ := cmd.Flags().GetBool("force")
			h, err := a.Lifecycle().StartNow(commandContext(cmd), args[0], force)
			if err != nil {
				return err
			}
			return printResult(cmd, h, fmt.Sprintf("queued job %s for room %s", h.ID, h.Key))
		},
	}
	cmd.Flags().Bool("force", false, "re-run a room that already started")
	cmd.Flags().Bool("json", false, "output in JSON format")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule <room> <RFC3339|none>",
		Short: "Set or clear the room's scheduled start",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var at *time.Time
			if raw := strings.TrimSpace(args[1]); !strings.EqualFold(raw, "none") {
				t, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return fmt.Errorf("invalid time %q: want RFC3339 or none", raw)
				}
				at = &t
			}

			a, err := openQueueApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Lifecycle().SetSchedule(commandContext(cmd), args[0], at)
			if err != nil {
				return err
			}
			msg := fmt.Sprintf("room %s: schedule unchanged", args[0])
			switch {
			case res.Enqueued:
				msg = fmt.Sprintf("room %s: run %s queued for %s", args[0], res.Job.ID, res.Job.RunAt.Format(time.RFC3339))
				if res.Job.Superseded > 0 {
					msg += fmt.Sprintf(" (superseded %d)", res.Job.Superseded)
				}
			case at == nil:
				msg = fmt.Sprintf("room %s: schedule cleared, %d queued run(s) canceled", args[0], res.Canceled)
			}
			return printResult(cmd, res, msg)
		},
	}
	cmd.Flags().Bool("json", false, "output in JSON format")
	return cmd
}

func printResult(cmd *cobra.Command, v any, text string) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}
