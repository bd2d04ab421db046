package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/j-be/autobim/pkg/calibration"
)

func printPoints(cmd *cobra.Command, points []calibration.ProbePoint) {
	for i, p := range points {
		cmd.Printf("  %d: %s\n", i, p)
	}
}

func NewPointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "points",
		Short:   "Manage the probe points",
		GroupID: gAdvanced,
		Long: `Manage the probe points a session visits, in order. The first point is the
reference corner. Points cannot change while a session is running.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List probe points",
			RunE: func(cmd *cobra.Command, _ []string) error {
				points, err := apiClient.GetPoints()
				if err != nil {
					return fmt.Errorf("failed to list points: %w", err)
				}
				printPoints(cmd, points)
				return nil
			},
		},
		&cobra.Command{
			Use:   "add X Y",
			Short: "Append a probe point",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := parsePoint(args[0], args[1])
				if err != nil {
					return err
				}
				points, err := apiClient.AddPoint(p)
				if err != nil {
					return fmt.Errorf("failed to add point: %w", err)
				}
				printPoints(cmd, points)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove INDEX",
			Short: "Remove the probe point at INDEX",
			RunE: func(cmd *cobra.Command, args []string) error {
				index, err := parseIntArg(args, "index")
				if err != nil {
					return err
				}
				points, err := apiClient.RemovePoint(index)
				if err != nil {
					return fmt.Errorf("failed to remove point: %w", err)
				}
				printPoints(cmd, points)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set X,Y [X,Y ...]",
			Short: "Replace all probe points",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				points, err := parsePointList(args)
				if err != nil {
					return err
				}
				points, err = apiClient.SetPoints(points)
				if err != nil {
					return fmt.Errorf("failed to set points: %w", err)
				}
				printPoints(cmd, points)
				return nil
			},
		},
	)

	return cmd
}
