package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"kidney-classifier/cmd"
	"kidney-classifier/internal/config"
	"kidney-classifier/internal/core"
	"kidney-classifier/internal/pipeline"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const (
	stageIngestion  = "Data Ingestion"
	stageBaseModel  = "Prepare base model"
	stageTraining   = "Training"
	stageEvaluation = "Evaluation"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newIngestCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Download and unpack the dataset archive",
		RunE: func(command *cobra.Command, args []string) error {
			ctx, cancel := signalContext(command.Context())
			defer cancel()
			return c.runIngestion(ctx)
		},
	}
}

func newPrepareBaseModelCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare-base-model",
		Short: "Fetch the pretrained network and build the classifier",
		RunE: func(command *cobra.Command, args []string) error {
			ctx, cancel := signalContext(command.Context())
			defer cancel()
			return c.runBaseModel(ctx)
		},
	}
}

func newTrainCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Fine tune the classifier on the dataset",
		RunE: func(command *cobra.Command, args []string) error {
			ctx, cancel := signalContext(command.Context())
			defer cancel()
			return c.runTraining(ctx)
		},
	}
}

func newEvaluateCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Score the trained model and log the run",
		RunE: func(command *cobra.Command, args []string) error {
			ctx, cancel := signalContext(command.Context())
			defer cancel()
			return c.runEvaluation(ctx)
		},
	}
}

func newRunCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every pipeline stage in order",
		RunE: func(command *cobra.Command, args []string) error {
			ctx, cancel := signalContext(command.Context())
			defer cancel()

			for _, stage := range []func(context.Context) error{c.runIngestion, c.runBaseModel, c.runTraining, c.runEvaluation} {
				if err := stage(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (c *commandContext) runIngestion(ctx context.Context) error {
	return cmd.RunStage(stageIngestion, func() error {
		manager, err := c.cfg.Manager()
		if err != nil {
			return err
		}
		cfg := manager.IngestionConfig()
		if err := config.CreateDirectories(cfg.RootDir); err != nil {
			return err
		}
		return pipeline.NewDataIngestion(cfg, nil).Run(ctx)
	})
}

func (c *commandContext) runBaseModel(ctx context.Context) error {
	return cmd.RunStage(stageBaseModel, func() error {
		manager, err := c.cfg.Manager()
		if err != nil {
			return err
		}
		cfg, err := manager.BaseModelConfig()
		if err != nil {
			return err
		}
		return c.withBackend(func(backend core.Backend) error {
			return pipeline.NewBaseModelPreparer(cfg, backend).Run(ctx)
		})
	})
}

func (c *commandContext) runTraining(ctx context.Context) error {
	return cmd.RunStage(stageTraining, func() error {
		manager, err := c.cfg.Manager()
		if err != nil {
			return err
		}
		cfg, err := manager.TrainingConfig()
		if err != nil {
			return err
		}
		return c.withBackend(func(backend core.Backend) error {
			trainer := pipeline.NewTrainer(cfg, backend)
			defer trainer.Close()
			if c.cfg.Seed != 0 {
				trainer.Seed = c.cfg.Seed
			}

			if err := trainer.LoadCustomizedModel(ctx); err != nil {
				return err
			}
			if err := trainer.BuildGenerators(cfg.Augmentation); err != nil {
				return err
			}
			if err := trainer.Run(ctx); err != nil {
				return err
			}
			fmt.Println(historyTable(trainer.History))
			return nil
		})
	})
}

func (c *commandContext) runEvaluation(ctx context.Context) error {
	return cmd.RunStage(stageEvaluation, func() error {
		manager, err := c.cfg.Manager()
		if err != nil {
			return err
		}
		cfg := manager.EvaluationConfig()
		return c.withBackend(func(backend core.Backend) error {
			evaluator := pipeline.NewEvaluator(cfg, backend, c.cfg.TrackingOptions())
			if err := evaluator.Run(ctx); err != nil {
				return err
			}
			fmt.Println(scoreTable(evaluator.Score, cfg.AllParams))
			return nil
		})
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func historyTable(history []pipeline.EpochMetrics) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Epoch", "Loss", "Accuracy", "Val Loss", "Val Accuracy"})
	for _, h := range history {
		valLoss, valAcc := "-", "-"
		if h.Validated {
			valLoss, valAcc = formatFloat(h.Validation.Loss), formatFloat(h.Validation.Accuracy)
		}
		tw.AppendRow(table.Row{h.Epoch, formatFloat(h.Train.Loss), formatFloat(h.Train.Accuracy), valLoss, valAcc})
	}
	return tw.Render()
}

func scoreTable(score core.Metrics, params map[string]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Name", "Value"})
	tw.AppendRow(table.Row{"loss", formatFloat(score.Loss)})
	tw.AppendRow(table.Row{"accuracy", formatFloat(score.Accuracy)})
	tw.AppendSeparator()

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tw.AppendRow(table.Row{k, params[k]})
	}
	return tw.Render()
}
