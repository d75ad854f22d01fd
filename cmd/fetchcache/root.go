package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/illmade-knight/go-fetchcache/pkg/config"
	"github.com/illmade-knight/go-fetchcache/pkg/logging"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "fetchcache",
		Short: "A caching proxy in front of a remote JSON service.",
		Long: `fetchcache serves remote method calls through a per-caller cache.
Results are keyed by method, caller identity and params, and expire after a
configurable duration.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP service",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cfgFile)
				if err != nil {
					logConfigError(cmd.ErrOrStderr(), err)
					return err
				}
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the configuration and print the effective values",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cfgFile)
				if err != nil {
					return err
				}
				if cfg.Remote.Password != "" {
					cfg.Remote.Password = redacted
				}
				if cfg.Cache.Redis.Password != "" {
					cfg.Cache.Redis.Password = redacted
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
	)
	return root
}

// logConfigError records validation problems as a structured event, since the
// configured logger does not exist yet.
func logConfigError(w io.Writer, err error) {
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		return
	}
	logger, _ := logging.New(w, "", logging.FormatJSON)
	logging.NewErrorLogger(logger).LogError(cfgErr.Kind(), "Invalid configuration", map[string]any{
		"problems": cfgErr.Problems,
	})
}
