package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"roomcast/internal/app"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, playback workers and admin API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			if err := a.Start(commandContext(cmd)); err != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = a.Stop(ctx, app.StopFatalError)
				return err
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			grace, _ := cmd.Flags().GetDuration("shutdown-timeout")
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			_ = a.Stop(ctx, reason)
			return a.Err()
		},
	}
	cmd.Flags().Duration("shutdown-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
