package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"roomcast/internal/app"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List durable jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f app.JobFilter
			if s, _ := cmd.Flags().GetString("status"); s != "" {
				st, ok := app.ParseJobStatus(s)
				if !ok {
					return fmt.Errorf("unknown status %q", s)
				}
				f.Status = st
			}
			f.Key, _ = cmd.Flags().GetString("room")
			f.Limit, _ = cmd.Flags().GetInt("limit")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.Scheduler().List(commandContext(cmd), f)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				if jobs == nil {
					jobs = []app.Job{}
				}
				return printResult(cmd, jobs, "")
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tROOM\tSTATUS\tRUN AT\tATTEMPTS\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.Name, j.Key, j.Status, j.RunAt.Local().Format(time.DateTime), j.Attempts, j.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("status", "", "filter by status (queued, running, succeeded, failed, canceled, superseded)")
	cmd.Flags().String("room", "", "filter by room id")
	cmd.Flags().Int("limit", 50, "maximum jobs to list")
	cmd.Flags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(newJobsCancelCmd())
	return cmd
}

func newJobsCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := a.Scheduler().Cancel(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s is not queued", args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "canceled job %s\n", args[0])
			return err
		},
	}
	return cmd
}
