package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"net/http"
	"time"

	"github.com/Tutortoise/incident-detection-service/config"
	"github.com/Tutortoise/incident-detection-service/detections"
	"github.com/Tutortoise/incident-detection-service/metrics"
	"github.com/Tutortoise/incident-detection-service/models"
	"github.com/Tutortoise/incident-detection-service/render"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	msgWelcome        = "Welcome to YOLOv5 FastAPI!"
	msgModelsNotReady = "One or both models are not loaded."
	msgInvalidImage   = "Invalid image format"

	requestIDHeader = "X-Request-ID"
)

// AlertNotifier is satisfied by *notify.Notifier.
type AlertNotifier interface {
	Notify(accident, theft bool)
}

type AppState struct {
	Accident       detections.Handle
	Theft          detections.Handle
	Notifier       AlertNotifier
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	RenderMode     string
	MaxUploadBytes int64
	MaxImagePixels int64
}

type RealtimeResponse struct {
	AccidentDetected bool               `json:"accident_detected"`
	TheftDetected    bool               `json:"thief_detected"`
	Detections       []models.Detection `json:"detections"`
}

type DetectionResponse struct {
	AccidentDetected bool               `json:"accident_detected"`
	TheftDetected    bool               `json:"thief_detected"`
	DetectionSummary []models.Detection `json:"detection_summary"`
	Timing           Timing             `json:"timing"`
}

type Timing struct {
	AccidentInferenceMs float64 `json:"accident_inference_ms"`
	TheftInferenceMs    float64 `json:"theft_inference_ms"`
	TotalInferenceMs    float64 `json:"total_inference_ms"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type requestIDKey struct{}

func (s *AppState) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/notify/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/object-to-json-realtime", s.handleRealtime).Methods(http.MethodPost)
	r.HandleFunc("/object-to-json", s.handleObjectToJSON).Methods(http.MethodPost)
	r.HandleFunc("/object-to-img", s.handleObjectToImage).Methods(http.MethodPost)
	s.addMonitoringRoutes(r)

	return cors.AllowAll().Handler(r)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *AppState) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": msgWelcome})
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "OK"})
}

// handleRealtime is the lightweight polling variant: no timing and no
// alerts.
func (s *AppState) handleRealtime(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/object-to-json-realtime"
	timings := s.newTimings(r)

	img, ok := s.readImage(w, r, endpoint, timings)
	if !ok {
		return
	}

	accident, theft, err := s.models()
	if err != nil {
		s.fail(w, r, endpoint, "Real-time detection failed: "+err.Error(), err)
		return
	}

	outcome, err := s.runModels(r.Context(), accident, theft, img, timings)
	if err != nil {
		s.fail(w, r, endpoint, "Real-time detection failed: "+err.Error(), err)
		return
	}

	s.Metrics.ObserveRequest(endpoint, "ok")
	writeJSON(w, http.StatusOK, RealtimeResponse{
		AccidentDetected: outcome.AccidentDetected,
		TheftDetected:    outcome.TheftDetected,
		Detections:       outcome.Combined(),
	})
}

func (s *AppState) handleObjectToJSON(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/object-to-json"
	startTotal := time.Now()
	timings := s.newTimings(r)

	accident, theft, err := s.models()
	if err != nil {
		s.fail(w, r, endpoint, msgModelsNotReady, err)
		return
	}

	img, ok := s.readImage(w, r, endpoint, timings)
	if !ok {
		return
	}

	outcome, err := s.runModels(r.Context(), accident, theft, img, timings)
	if err != nil {
		s.fail(w, r, endpoint, "Inference failed: "+err.Error(), err)
		return
	}

	s.logOutcome(r.Context(), outcome)
	s.notify(outcome, timings)

	timings.Total = time.Since(startTotal)
	s.logTimings(timings)

	s.Metrics.ObserveRequest(endpoint, "ok")
	writeJSON(w, http.StatusOK, DetectionResponse{
		AccidentDetected: outcome.AccidentDetected,
		TheftDetected:    outcome.TheftDetected,
		DetectionSummary: outcome.Combined(),
		Timing: Timing{
			AccidentInferenceMs: toMillis(timings.AccidentInference),
			TheftInferenceMs:    toMillis(timings.TheftInference),
			TotalInferenceMs:    toMillis(timings.AccidentInference + timings.TheftInference),
		},
	})
}

func (s *AppState) handleObjectToImage(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/object-to-img"
	startTotal := time.Now()
	timings := s.newTimings(r)

	accident, theft, err := s.models()
	if err != nil {
		s.fail(w, r, endpoint, msgModelsNotReady, err)
		return
	}

	img, ok := s.readImage(w, r, endpoint, timings)
	if !ok {
		return
	}

	outcome, err := s.runModels(r.Context(), accident, theft, img, timings)
	if err != nil {
		s.fail(w, r, endpoint, "Image processing failed: "+err.Error(), err)
		return
	}

	s.logOutcome(r.Context(), outcome)
	s.notify(outcome, timings)

	renderStart := time.Now()
	data, err := render.EncodeJPEG(overlay(s.RenderMode, img, outcome))
	timings.Render = time.Since(renderStart)
	if err != nil {
		s.fail(w, r, endpoint, "Image processing failed: "+err.Error(), err)
		return
	}

	timings.Total = time.Since(startTotal)
	s.logTimings(timings)

	s.Metrics.ObserveRequest(endpoint, "ok")
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.Logger.Warn("failed to write image response", zap.String("request_id", requestID(r.Context())), zap.Error(err))
	}
}

// overlay renders the outcome. In theft mode only the theft model's boxes
// are drawn.
func overlay(mode string, img image.Image, outcome models.Outcome) image.Image {
	if mode == config.RenderTheft {
		return render.Overlay(img, outcome.Theft)
	}
	return render.Overlay(img, outcome.Accident, outcome.Theft)
}

func (s *AppState) models() (accident, theft detections.Detector, err error) {
	accident, aErr := s.Accident.Get()
	theft, tErr := s.Theft.Get()
	if err := errors.Join(aErr, tErr); err != nil {
		return nil, nil, err
	}
	return accident, theft, nil
}

// runModels runs the accident model then the theft model, sequentially.
func (s *AppState) runModels(ctx context.Context, accident, theft detections.Detector, img image.Image, timings *models.ProcessingTimings) (models.Outcome, error) {
	start := time.Now()
	accidentDets, err := s.infer(ctx, s.Accident.Name(), accident, img)
	mid := time.Now()
	if err != nil {
		return models.Outcome{}, err
	}

	theftDets, err := s.infer(ctx, s.Theft.Name(), theft, img)
	end := time.Now()
	if err != nil {
		return models.Outcome{}, err
	}

	timings.AccidentInference = mid.Sub(start)
	timings.TheftInference = end.Sub(mid)
	return models.NewOutcome(accidentDets, theftDets), nil
}

func (s *AppState) infer(ctx context.Context, name string, det detections.Detector, img image.Image) (dets []models.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &detections.InferenceError{Model: name, Message: "inference panicked", Cause: fmt.Errorf("%v", r)}
		}
	}()

	start := time.Now()
	dets, err = det.Detect(ctx, img)
	s.Metrics.ObserveInference(name, time.Since(start))
	if err != nil {
		if !errors.Is(err, detections.ErrInference) {
			err = &detections.InferenceError{Model: name, Message: "detect", Cause: err}
		}
		return nil, err
	}

	for _, d := range dets {
		s.Metrics.ObserveDetection(name, d.Name)
	}
	return dets, nil
}

func (s *AppState) notify(outcome models.Outcome, timings *models.ProcessingTimings) {
	if !outcome.Any() {
		return
	}
	start := time.Now()
	s.Notifier.Notify(outcome.AccidentDetected, outcome.TheftDetected)
	timings.Notify = time.Since(start)
}

// readImage reads and decodes the upload, writing the error response itself
// when it fails.
func (s *AppState) readImage(w http.ResponseWriter, r *http.Request, endpoint string, timings *models.ProcessingTimings) (image.Image, bool) {
	data, err := readUpload(w, r, s.MaxUploadBytes)
	switch {
	case errors.Is(err, ErrUploadSize):
		s.Metrics.ObserveRequest(endpoint, "rejected")
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Uploaded file is too large"})
		return nil, false
	case err != nil:
		s.Metrics.ObserveRequest(endpoint, "rejected")
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		return nil, false
	}

	decodeStart := time.Now()
	img, err := decodeImage(data, s.MaxImagePixels)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		s.fail(w, r, endpoint, msgInvalidImage, err)
		return nil, false
	}
	return img, true
}

// fail reports a handled error. The status stays 200 so existing clients
// that only look at the "error" key keep working.
func (s *AppState) fail(w http.ResponseWriter, r *http.Request, endpoint, message string, err error) {
	s.Logger.Warn("request failed",
		zap.String("request_id", requestID(r.Context())),
		zap.String("endpoint", endpoint),
		zap.Error(err))
	s.Metrics.ObserveRequest(endpoint, "error")
	writeJSON(w, http.StatusOK, ErrorResponse{Error: message})
}

func (s *AppState) logOutcome(ctx context.Context, outcome models.Outcome) {
	id := zap.String("request_id", requestID(ctx))
	if outcome.AccidentDetected {
		s.Logger.Info("detections", id, zap.String("model", s.Accident.Name()), zap.Any("objects", outcome.Accident))
	}
	if outcome.TheftDetected {
		s.Logger.Info("detections", id, zap.String("model", s.Theft.Name()), zap.Any("objects", outcome.Theft))
	}
	if !outcome.Any() {
		s.Logger.Info("No detections", id)
	}
}

func (s *AppState) newTimings(r *http.Request) *models.ProcessingTimings {
	return &models.ProcessingTimings{RequestID: requestID(r.Context())}
}

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	s.Logger.Debug("processing times",
		zap.String("request_id", t.RequestID),
		zap.Duration("decode", t.ImageDecode),
		zap.Duration("accident_inference", t.AccidentInference),
		zap.Duration("theft_inference", t.TheftInference),
		zap.Duration("notify", t.Notify),
		zap.Duration("render", t.Render),
		zap.Duration("total", t.Total))
}

func toMillis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
