package detections

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"testing"

	"github.com/Tutortoise/incident-detection-service/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubDetector struct {
	closed bool
}

func (s *stubDetector) Detect(context.Context, image.Image) ([]models.Detection, error) {
	return nil, nil
}

func (s *stubDetector) Close() error {
	s.closed = true
	return nil
}

func TestHandleAvailable(t *testing.T) {
	det := &stubDetector{}
	h := Available("accident", det)

	assert.True(t, h.Available())
	assert.NoError(t, h.Err())
	got, err := h.Get()
	require.NoError(t, err)
	assert.Same(t, det, got)

	require.NoError(t, h.Close())
	assert.True(t, det.closed)
}

func TestHandleUnavailable(t *testing.T) {
	cause := errors.New("bad weights")
	h := Unavailable("theft", cause)

	assert.False(t, h.Available())
	_, err := h.Get()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "theft model")
	assert.NoError(t, h.Close())

	var zero Handle
	_, err = zero.Get()
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestLoadMissingWeightsIsUnavailable(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	path := filepath.Join(t.TempDir(), "missing.onnx")

	h := Load("accident", path, Options{Classes: []string{"accident"}}, zap.New(core))

	assert.False(t, h.Available())
	assert.Contains(t, h.Err().Error(), "model file not found")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "failed to load model", logs.All()[0].Message)
}

func TestLoadWithoutClassesIsUnavailable(t *testing.T) {
	h := Load("theft", "whatever.onnx", Options{}, nil)
	assert.False(t, h.Available())
	assert.Contains(t, h.Err().Error(), "class name")
}

func TestInferenceErrorIs(t *testing.T) {
	cause := errors.New("shape mismatch")
	err := error(&InferenceError{Model: "theft", Message: "model inference", Cause: cause})

	assert.ErrorIs(t, err, ErrInference)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "theft: model inference: shape mismatch", err.Error())
}
