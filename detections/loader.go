package detections

import (
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Handle is a loaded model or the reason it could not be loaded. Call sites
// go through Get and never hold a nil detector.
type Handle struct {
	name     string
	detector Detector
	err      error
}

func Available(name string, d Detector) Handle {
	return Handle{name: name, detector: d}
}

func Unavailable(name string, err error) Handle {
	return Handle{name: name, err: err}
}

func (h Handle) Name() string { return h.name }

func (h Handle) Available() bool { return h.detector != nil }

// Err is the load failure, nil when the model is available.
func (h Handle) Err() error { return h.err }

func (h Handle) Get() (Detector, error) {
	if h.detector != nil {
		return h.detector, nil
	}
	if h.err != nil {
		return nil, fmt.Errorf("%s model: %w: %w", h.name, ErrModelUnavailable, h.err)
	}
	return nil, fmt.Errorf("%s model: %w", h.name, ErrModelUnavailable)
}

func (h Handle) Close() error {
	if c, ok := h.detector.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Load builds a model and never fails: a load error is logged and returned
// as an unavailable handle so the service can start degraded.
func Load(name, path string, opts Options, logger *zap.Logger) Handle {
	if logger == nil {
		logger = zap.NewNop()
	}

	model, err := NewModel(name, path, opts, logger)
	if err != nil {
		logger.Error("failed to load model",
			zap.String("model", name),
			zap.String("path", path),
			zap.Error(err))
		return Unavailable(name, err)
	}

	stats := model.Stats()
	logger.Info("model loaded",
		zap.String("model", name),
		zap.String("path", path),
		zap.Int("classes", len(model.opts.Classes)),
		zap.Int("sessions", stats.Size))
	return Available(name, model)
}
