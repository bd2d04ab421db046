package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewTestCornerCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "test-corner X Y",
		Short:   "Probe a single point once",
		GroupID: gDiagnostics,
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := parsePoint(args[0], args[1])
			if err != nil {
				return err
			}
			res, err := apiClient.TestCorner(p)
			if err != nil {
				return fmt.Errorf("failed to test corner: %w", err)
			}
			fmt.Println(formatResult(*res))
			return nil
		},
	}
}

func NewTestAllCornersCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "test-all-corners [X,Y ...]",
		Short:   "Probe every point once",
		GroupID: gDiagnostics,
		Long:    `Probe every given point once, or every registered point when none are given.`,
		RunE: func(_ *cobra.Command, args []string) error {
			points, err := parsePointList(args)
			if err != nil {
				return err
			}
			results, err := apiClient.TestAllCorners(points)
			if err != nil {
				return fmt.Errorf("failed to test corners: %w", err)
			}

			reachable := 0
			for _, r := range results {
				fmt.Println(formatResult(r))
				if r.OK {
					reachable++
				}
			}
			fmt.Printf("%s of %d points reachable\n", bold("%d", reachable), len(results))
			if reachable != len(results) {
				return fmt.Errorf("%d point(s) unreachable", len(results)-reachable)
			}
			return nil
		},
	}
}
