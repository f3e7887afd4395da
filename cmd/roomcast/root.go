package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"roomcast/internal/app"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "roomcast",
		Short:         "Scheduled scenario playback for chat rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "./config.yaml", "path to config (json or yaml)")
	cmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the config (missing file is ignored)")

	cmd.AddCommand(
		newServeCmd(),
		newStartCmd(),
		newScheduleCmd(),
		newJobsCmd(),
	)
	return cmd
}

// loadEnvFile loads --env-file without overriding variables already set.
func loadEnvFile(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// openApp builds the app without starting it, for one-shot commands that
// only touch the durable queue and the cms.
func openApp(cmd *cobra.Command) (*app.App, error) {
	path, _ := cmd.Flags().GetString("config")
	return app.New(commandContext(cmd), path)
}

// openQueueApp is openApp for commands that leave jobs behind for `serve`.
func openQueueApp(cmd *cobra.Command) (*app.App, error) {
	a, err := openApp(cmd)
	if err != nil {
		return nil, err
	}
	if !a.DurableQueue() {
		_ = a.Close()
		return nil, errors.New("storage.driver is not durable (use file or sqlite); a job queued here would be lost on exit")
	}
	return a, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
