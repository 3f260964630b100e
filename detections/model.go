package detections

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/Tutortoise/incident-detection-service/models"
	"go.uber.org/zap"
)

// Detector runs object detection on a single image. Implementations must be
// safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]models.Detection, error)
}

// Model is an ONNX YOLOv5 detector backed by a session pool.
type Model struct {
	name         string
	path         string
	opts         Options
	layout       outputLayout
	pool         *SessionPool
	preprocessor *Preprocessor
	logger       *zap.Logger
}

// NewModel loads the weights at path into a pool of sessions. The onnxruntime
// environment must already be initialised.
func NewModel(name, path string, opts Options, logger *zap.Logger) (*Model, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file not found: %s: %w", path, err)
	}

	m := &Model{
		name:         name,
		path:         path,
		opts:         opts,
		layout:       newOutputLayout(opts.InputSize, len(opts.Classes)),
		preprocessor: NewPreprocessor(opts.InputSize),
		logger:       logger.Named(name),
	}

	pool, err := newSessionPool(name, poolConfig{size: opts.PoolSize, acquireTimeout: opts.AcquireTimeout}, func() (*ModelSession, error) {
		return initSession(path, opts, m.layout)
	}, m.logger)
	if err != nil {
		return nil, err
	}
	m.pool = pool

	return m, nil
}

func (m *Model) Name() string { return m.name }

func (m *Model) Stats() PoolStats { return m.pool.Stats() }

func (m *Model) Close() error {
	m.pool.Destroy()
	return nil
}

func (m *Model) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, &InferenceError{Model: m.name, Message: "acquire session", Cause: err}
	}

	dets, err := m.detect(session, img)
	if err != nil {
		m.pool.Discard(session)
		return nil, err
	}
	m.pool.Release(session)
	return dets, nil
}

func (m *Model) detect(session *ModelSession, img image.Image) (dets []models.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InferenceError{Model: m.name, Message: "inference panicked", Cause: fmt.Errorf("%v", r)}
		}
	}()

	lb, err := m.preprocessor.Process(img, session.input)
	if err != nil {
		return nil, &InferenceError{Model: m.name, Message: "prepare input buffer", Cause: err}
	}

	if err := session.Run(); err != nil {
		return nil, &InferenceError{Model: m.name, Message: "model inference", Cause: err}
	}

	dets, err = decodeOutput(session.output, m.layout, m.opts, lb)
	if err != nil {
		return nil, &InferenceError{Model: m.name, Message: "process predictions", Cause: err}
	}
	return dets, nil
}
