package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/Tutortoise/incident-detection-service/config"
	"github.com/Tutortoise/incident-detection-service/detections"
	"github.com/Tutortoise/incident-detection-service/metrics"
	"github.com/Tutortoise/incident-detection-service/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	accidentModelName = "accident"
	theftModelName    = "theft"
)

// buildState loads both models and wires the notifier and metrics. The
// returned cleanup releases everything buildState acquired.
func buildState(cfg *config.Config, logger *zap.Logger) (*AppState, func() error, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return nil, nil, err
	}

	accident, theft, runtimeUp := loadModels(cfg.Models, logger.Named("detections"))

	var sources []metrics.PoolSource
	for _, h := range []detections.Handle{accident, theft} {
		if d, err := h.Get(); err == nil {
			if src, ok := d.(metrics.PoolSource); ok {
				sources = append(sources, src)
			}
		}
	}
	if len(sources) > 0 {
		if err := registry.Register(metrics.NewPoolCollector(sources...)); err != nil {
			return nil, nil, fmt.Errorf("failed to register pool collector: %w", err)
		}
	}

	notifier, err := newNotifier(cfg.Email, m, logger.Named("notify"))
	if err != nil {
		// models are loaded at this point and must not leak
		closeErr := multierr.Combine(accident.Close(), theft.Close())
		if runtimeUp {
			closeErr = multierr.Append(closeErr, detections.DestroyRuntime())
		}
		return nil, nil, multierr.Append(err, closeErr)
	}

	state := &AppState{
		Accident:       accident,
		Theft:          theft,
		Notifier:       notifier,
		Metrics:        m,
		Logger:         logger.Named("http"),
		RenderMode:     cfg.Server.RenderMode,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		MaxImagePixels: cfg.Server.MaxImagePixels,
	}

	cleanup := func() error {
		notifier.Close()
		err := multierr.Combine(accident.Close(), theft.Close())
		if runtimeUp {
			err = multierr.Append(err, detections.DestroyRuntime())
		}
		return err
	}
	return state, cleanup, nil
}

// loadModels never fails: models that cannot be loaded come back as
// unavailable handles and the endpoints report them per request.
func loadModels(cfg config.Models, logger *zap.Logger) (accident, theft detections.Handle, runtimeUp bool) {
	if err := detections.InitRuntime(cfg.RuntimeLibrary); err != nil {
		logger.Error("failed to initialize onnxruntime", zap.Error(err))
		return detections.Unavailable(accidentModelName, err), detections.Unavailable(theftModelName, err), false
	}

	base := detections.Options{
		InputSize:      cfg.InputSize,
		ConfThreshold:  cfg.ConfThreshold,
		IOUThreshold:   cfg.IOUThreshold,
		MaxDetections:  cfg.MaxDetections,
		PoolSize:       cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
	}

	accidentOpts := base
	accidentOpts.Classes = cfg.AccidentClasses
	theftOpts := base
	theftOpts.Classes = cfg.TheftClasses

	accident = detections.Load(accidentModelName, cfg.AccidentPath, accidentOpts, logger)
	theft = detections.Load(theftModelName, cfg.TheftPath, theftOpts, logger)

	if accident.Available() && theft.Available() {
		logger.Info("both models loaded successfully")
	}
	return accident, theft, true
}

func newNotifier(cfg config.Email, m *metrics.Metrics, logger *zap.Logger) (*notify.Notifier, error) {
	opts := []notify.Option{notify.WithAsync(cfg.Async), notify.WithObserver(m)}
	if !cfg.Enabled() {
		logger.Warn("EMAIL_SENDER or EMAIL_RECEIVER not set, alerts will not be mailed")
		return notify.New(nil, logger, opts...), nil
	}

	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.Sender,
		Password: cfg.Password,
		From:     cfg.Sender,
		To:       cfg.Receiver,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("email notifier: %w", err)
	}
	logger.Info("email notifier configured",
		zap.String("smtp", net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort))),
		zap.String("receiver", cfg.Receiver))
	return notify.New(sender, logger, opts...), nil
}
