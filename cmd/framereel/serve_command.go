package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"framereel/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var dev bool
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the framereel API server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if bind != "" {
				cfg.Paths.APIBind = bind
			}
			if cfg.Paths.APIBind == "" {
				return fmt.Errorf("paths.api_bind is empty; set it or pass --bind")
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: dev,
			})
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Override paths.api_bind")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&dev, "dev", false, "Include source locations in log output")
	return cmd
}
