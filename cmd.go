package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Tutortoise/incident-detection-service/config"
	"github.com/Tutortoise/incident-detection-service/detections"
	"github.com/Tutortoise/incident-detection-service/logging"
	"github.com/Tutortoise/incident-detection-service/models"
	"github.com/Tutortoise/incident-detection-service/render"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "incident-detector",
		Short:         "Accident and theft detection over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")

	rootCmd.AddCommand(
		newServeCmd(&envFile),
		newDetectCmd(&envFile),
		newEnvCmd(),
	)
	return rootCmd
}

func newServeCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *envFile)
		},
	}
}

func newDetectCmd(envFile *string) *cobra.Command {
	var renderDir string

	cmd := &cobra.Command{
		Use:   "detect IMAGE...",
		Short: "Run both models on local images and print the results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cmd, *envFile, renderDir, args)
		},
	}
	cmd.Flags().StringVar(&renderDir, "render-dir", "", "write annotated images to this directory")
	return cmd
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables the service reads",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
		},
	}
}

func setup(envFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Options{Debug: cfg.Logging.Debug, File: cfg.Logging.File})
	return cfg, logger, nil
}

func runServe(ctx context.Context, envFile string) error {
	cfg, logger, err := setup(envFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	state, cleanup, err := buildState(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type detectResult struct {
	File             string             `json:"file"`
	AccidentDetected bool               `json:"accident_detected"`
	TheftDetected    bool               `json:"thief_detected"`
	Detections       []models.Detection `json:"detections,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// runDetect never sends alerts; it is meant for checking models offline.
func runDetect(cmd *cobra.Command, envFile, renderDir string, files []string) error {
	cfg, logger, err := setup(envFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	accident, theft, runtimeUp := loadModels(cfg.Models, logger.Named("detections"))
	defer func() {
		err := multierr.Combine(accident.Close(), theft.Close())
		if runtimeUp {
			err = multierr.Append(err, detections.DestroyRuntime())
		}
		if err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	accidentDet, err := accident.Get()
	if err != nil {
		return err
	}
	theftDet, err := theft.Get()
	if err != nil {
		return err
	}

	if renderDir != "" {
		if err := os.MkdirAll(renderDir, 0o755); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	var failed int
	for _, file := range files {
		res := detectFile(cmd.Context(), accidentDet, theftDet, file, renderDir, cfg.Server)
		if res.Error != "" {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(files))
	}
	return nil
}

func detectFile(ctx context.Context, accident, theft detections.Detector, file, renderDir string, srv config.Server) detectResult {
	res := detectResult{File: file}

	data, err := os.ReadFile(file)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	img, err := decodeImage(data, srv.MaxImagePixels)
	if err != nil {
		res.Error = msgInvalidImage
		return res
	}

	accidentDets, err := accident.Detect(ctx, img)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	theftDets, err := theft.Detect(ctx, img)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	outcome := models.NewOutcome(accidentDets, theftDets)
	res.AccidentDetected = outcome.AccidentDetected
	res.TheftDetected = outcome.TheftDetected
	res.Detections = outcome.Combined()

	if renderDir == "" {
		return res
	}
	out, err := render.EncodeJPEG(overlay(srv.RenderMode, img, outcome))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)) + "_detected.jpg"
	if err := os.WriteFile(filepath.Join(renderDir, name), out, 0o644); err != nil {
		res.Error = err.Error()
	}
	return res
}
