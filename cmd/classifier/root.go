package main

import (
	"io"
	"log/slog"

	"kidney-classifier/cmd"
	"kidney-classifier/internal/core"

	"github.com/spf13/cobra"
)

type commandContext struct {
	envFile string
	cfg     cmd.Config
	logs    io.Closer
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "classifier",
		Short:         "Kidney CT scan classifier pipeline and prediction server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			cmd.LoadEnvFile(ctx.envFile)

			cfg, err := cmd.ParseConfig()
			if err != nil {
				return err
			}
			ctx.cfg = cfg

			ctx.logs, err = cmd.SetupLogging(cfg)
			return err
		},
		PersistentPostRun: func(c *cobra.Command, args []string) {
			if ctx.logs != nil {
				ctx.logs.Close()
			}
		},
		RunE: func(c *cobra.Command, args []string) error {
			return c.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.envFile, "env", "", "path to load env from")

	rootCmd.AddCommand(newIngestCommand(ctx))
	rootCmd.AddCommand(newPrepareBaseModelCommand(ctx))
	rootCmd.AddCommand(newTrainCommand(ctx))
	rootCmd.AddCommand(newEvaluateCommand(ctx))
	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))

	return rootCmd
}

// withBackend starts the configured backend for the duration of fn.
func (c *commandContext) withBackend(fn func(backend core.Backend) error) error {
	backend, err := c.cfg.NewBackend()
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Error("error closing backend", "error", err)
		}
	}()
	return fn(backend)
}
