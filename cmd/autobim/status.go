package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/j-be/autobim/pkg/calibration"
	"github.com/j-be/autobim/pkg/client"
	"github.com/j-be/autobim/pkg/config"
	"github.com/j-be/autobim/pkg/version"
)

type statusData struct {
	status *calibration.Status
	config *config.RawFileConfig
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	st, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return &statusData{
		status: st,
		config: conf,
	}, nil
}

type statusJSON struct {
	Status        *calibration.Status   `json:"status"`
	Configuration *config.RawFileConfig `json:"configuration"`
}

func phaseText(p calibration.Phase) string {
	switch p {
	case calibration.PhaseCompleted:
		return color.New(color.Bold, color.FgGreen).Sprint(p)
	case calibration.PhaseAborted:
		return color.New(color.Bold, color.FgYellow).Sprint(p)
	case calibration.PhaseError:
		return color.New(color.Bold, color.FgRed).Sprint(p)
	}
	return bold("%s", p)
}

func NewStatusCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of autobim",
		Long:    `Get the calibration status and the effective configuration of the daemon.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(statusJSON{Status: data.status, Configuration: data.config}, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			conf := config.NewFileFromConfig(data.config, "")
			st := data.status

			cmd.Println(bold("Calibration status:"))
			cmd.Printf("  Running: %s\n", bool2Text(st.Running))
			cmd.Printf("  Printer busy: %s\n", bool2Text(st.Busy))
			cmd.Printf("  Phase: %s\n", phaseText(st.Phase))
			if s := st.Session; s != nil {
				cmd.Printf("  Session: %s, iteration %d\n", bold("%d", s.ID), s.Iteration)
				if s.CurrentCorner != nil {
					cmd.Printf("  Current point: %s\n", bold("%s", s.CurrentCorner))
				}
				cmd.Printf("  Started: %s ago\n", time.Since(s.StartedAt).Round(time.Second))
				if s.Report != nil {
					cmd.Printf("  Max deviation: %s\n", bold("%.3fmm", s.Report.MaxDeviation))
				}
			}

			cmd.Println()

			cmd.Println(bold("Configuration:"))
			cmd.Printf("  Probe points: %s\n", bold("%d", len(conf.ProbePoints())))
			cmd.Printf("  Tolerance: %s\n", bold("%.3fmm", conf.Tolerance()))
			cmd.Printf("  Max iterations: %s\n", bold("%d", conf.MaxIterations()))
			cmd.Printf("  Failure budget: %s\n", bold("%d", conf.FailureBudget()))
			cmd.Printf("  Screw thread: %s\n", bold("%s", conf.ScrewThread()))
			cmd.Printf("  Inverted guidance: %s\n", bool2Text(conf.Invert()))
			cmd.Printf("  First corner is reference: %s\n", bool2Text(conf.FirstCornerIsReference()))
			cmd.Printf("  Adjustment wait: %s\n", bold("%s", conf.AdjustmentWait()))
			if conf.DiagnosticsCron() != "" {
				cmd.Printf("  Scheduled corner check: %s\n", bold("%s", conf.DiagnosticsCron()))
			}
			if conf.SerialPort() != "" {
				cmd.Printf("  Serial port: %s @ %d\n", bold("%s", conf.SerialPort()), conf.BaudRate())
			}
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")

	return cmd
}

func NewSessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "session",
		GroupID: gBasic,
		Short:   "Show the running or last leveling session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := apiClient.GetSession()
			if errors.Is(err, client.ErrNotFound) {
				cmd.Println("No calibration has run since the daemon started.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			cmd.Printf("Session %s: %s\n", bold("%d", s.ID), phaseText(s.Phase))
			cmd.Printf("  Started: %s\n", s.StartedAt.Local().Format(time.DateTime))
			if !s.EndedAt.IsZero() {
				cmd.Printf("  Ended: %s (took %s)\n", s.EndedAt.Local().Format(time.DateTime), s.EndedAt.Sub(s.StartedAt).Round(time.Second))
			}
			if s.LastError != "" {
				cmd.Printf("  Error: %s\n", color.RedString(s.LastError))
			}

			if len(s.Results) > 0 {
				cmd.Println(bold("Probes:"))
				for _, r := range s.Results {
					cmd.Printf("  #%d %s\n", r.Iteration, formatResult(r))
				}
			}

			if r := s.Report; r != nil {
				cmd.Println(bold("Report:"))
				cmd.Printf("  Converged: %s after %d iteration(s)\n", bool2Text(r.Converged), r.Iterations)
				cmd.Printf("  Max deviation: %s (tolerance %.3fmm)\n", bold("%.3fmm", r.MaxDeviation), r.Tolerance)
				for _, a := range r.Adjustments {
					cmd.Printf("  %s\n", a.Message)
				}
			}
			return nil
		},
	}
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}
