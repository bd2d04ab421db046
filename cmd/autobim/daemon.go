package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/j-be/autobim/pkg/daemon"
	"github.com/j-be/autobim/pkg/version"
)

// NewDaemonCommand .
func NewDaemonCommand() *cobra.Command {
	opts := daemon.Options{}

	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Run autobim daemon in the foreground",
		GroupID: gAdvanced,
		RunE: func(_ *cobra.Command, _ []string) error {
			logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
			}).Info("autobim daemon starting")
			return daemon.Run(configPath, unixSocketPath, opts)
		},
	}

	f := cmd.Flags()

	f.BoolVar(&opts.AllowNonRoot, "always-allow-non-root-access", false,
		"Always allow non-root users to access the daemon.")
	f.BoolVar(&opts.Simulate, "simulate", false,
		"Drive a simulated printer instead of the configured serial port.")
	f.StringVar(&opts.Listen, "listen", "",
		"Also serve the API on this TCP address, e.g. 127.0.0.1:8080. Overrides 'listen' in the config.")

	return cmd
}
