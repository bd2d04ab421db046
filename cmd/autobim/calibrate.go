package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

func NewStartCommand() *cobra.Command {
	watch := false

	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a leveling session",
		GroupID: gBasic,
		Long: `Start a leveling session with the registered probe points.

The printer homes, probes every point and reports how to turn each screw.
After each adjustment wait (or 'autobim continue') the points are probed
again until the bed is level or the iteration limit is reached.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			id, err := apiClient.Start()
			if err != nil {
				return fmt.Errorf("failed to start calibration: %w", err)
			}
			fmt.Printf("Calibration session %d started.\n", id)
			if !watch {
				return nil
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return follow(ctx, id)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the session until it ends")

	return cmd
}

func NewAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "abort [reason]",
		Short:   "Abort the running leveling session",
		GroupID: gBasic,
		RunE: func(_ *cobra.Command, args []string) error {
			if err := apiClient.Abort(strings.Join(args, " ")); err != nil {
				return fmt.Errorf("failed to abort calibration: %w", err)
			}
			fmt.Println("Abort requested. The session stops at its next checkpoint.")
			return nil
		},
	}
}

func NewContinueCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "continue",
		Short:   "Re-probe now instead of waiting out the adjustment time",
		GroupID: gBasic,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := apiClient.Continue(); err != nil {
				return fmt.Errorf("failed to continue calibration: %w", err)
			}
			fmt.Println("Continuing.")
			return nil
		},
	}
}

func NewHomeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "home",
		Short:   "Home all axes",
		GroupID: gDiagnostics,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := apiClient.Home(); err != nil {
				return fmt.Errorf("failed to home: %w", err)
			}
			fmt.Println("Homed.")
			return nil
		},
	}
}

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Print calibration events as they happen",
		GroupID: gBasic,
		Long:    `Print calibration events as they happen. Events of the current session are replayed first. Stop with Ctrl-C.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return follow(ctx, 0)
		},
	}
}
