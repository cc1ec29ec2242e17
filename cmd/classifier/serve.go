package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"kidney-classifier/internal/api"
	"kidney-classifier/internal/config"
	"kidney-classifier/internal/core"
	"kidney-classifier/internal/pipeline"
	"kidney-classifier/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
)

func newServeCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the web page, /train and /predict",
		RunE: func(command *cobra.Command, args []string) error {
			return c.serve(command.Context())
		},
	}
}

func (c *commandContext) serve(ctx context.Context) error {
	manager, err := c.cfg.Manager()
	if err != nil {
		return err
	}
	trainingCfg, err := manager.TrainingConfig()
	if err != nil {
		return err
	}

	predictorCfg, err := c.predictorConfig(manager.ArtifactsRoot(), trainingCfg)
	if err != nil {
		return err
	}

	return c.withBackend(func(backend core.Backend) error {
		predictor := pipeline.NewPredictor(backend, predictorCfg)
		defer predictor.Close()

		if err := predictor.Load(ctx); err != nil {
			slog.Warn("no model loaded, predictions are unavailable until training completes", "error", err)
		}

		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		if c.cfg.WatchModel {
			go func() {
				if err := predictor.Watch(watchCtx); err != nil {
					slog.Error("model watcher stopped", "error", err)
				}
			}()
		}

		server := c.createServer(predictor)
		return runServer(server)
	})
}

// predictorConfig picks the served model: MODEL_PATH when set, the trained
// model path otherwise.
func (c *commandContext) predictorConfig(artifactsRoot string, trainingCfg config.TrainingConfig) (pipeline.PredictorConfig, error) {
	cfg := pipeline.PredictorConfig{ModelPath: trainingCfg.TrainedModelPath, ImageSize: trainingCfg.ImageSize}
	if c.cfg.ModelPath == "" {
		return cfg, nil
	}
	if !strings.HasPrefix(c.cfg.ModelPath, "s3://") {
		cfg.ModelPath = c.cfg.ModelPath
		return cfg, nil
	}

	loc, err := storage.ParseLocation(c.cfg.ModelPath)
	if err != nil {
		return cfg, err
	}
	s3Cfg := c.cfg.S3Config()
	provider, err := storage.NewS3Provider(&s3Cfg)
	if err != nil {
		return cfg, err
	}
	cfg.ModelPath = filepath.Join(artifactsRoot, "serving", path.Base(loc.Prefix))
	cfg.Remote = &pipeline.RemoteModel{Provider: provider, Location: loc}
	return cfg, nil
}

func (c *commandContext) createServer(predictor api.Predictor) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	service := api.NewClassifierService(predictor, api.Config{
		TrainCommand: c.cfg.TrainArgs(),
		InputImage:   c.cfg.InputImage,
		LockFile:     c.cfg.TrainLock,
	})
	service.AddRoutes(r)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.Port),
		Handler: r,
	}
}

func runServer(server *http.Server) error {
	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("could not listen on %s: %w", server.Addr, err)
	}

	log.Println("Server stopped.")
	return nil
}
