package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Tutortoise/incident-detection-service/config"
	"github.com/Tutortoise/incident-detection-service/detections"
	"github.com/Tutortoise/incident-detection-service/metrics"
	"github.com/Tutortoise/incident-detection-service/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDetector struct {
	dets  []models.Detection
	err   error
	panic bool
	calls atomic.Int32
}

func (f *fakeDetector) Detect(context.Context, image.Image) ([]models.Detection, error) {
	f.calls.Add(1)
	if f.panic {
		panic("tensor shape mismatch")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.dets, nil
}

type notifyCall struct{ accident, theft bool }

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (r *recordingNotifier) Notify(accident, theft bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notifyCall{accident, theft})
}

func (r *recordingNotifier) Calls() []notifyCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifyCall(nil), r.calls...)
}

var (
	crash = models.Detection{XMin: 10, YMin: 12, XMax: 40, YMax: 50, Confidence: 0.91, Class: 0, Name: "accident"}
	thief = models.Detection{XMin: 5, YMin: 5, XMax: 30, YMax: 60, Confidence: 0.88, Class: 0, Name: "theft"}
	fight = models.Detection{XMin: 20, YMin: 8, XMax: 60, YMax: 44, Confidence: 0.52, Class: 2, Name: "violence"}
)

type testApp struct {
	state    *AppState
	handler  http.Handler
	accident *fakeDetector
	theft    *fakeDetector
	notifier *recordingNotifier
}

func newTestApp(t *testing.T, accident, theft *fakeDetector) *testApp {
	t.Helper()

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	app := &testApp{accident: accident, theft: theft, notifier: &recordingNotifier{}}
	app.state = &AppState{
		Accident:       detections.Available(accidentModelName, accident),
		Theft:          detections.Available(theftModelName, theft),
		Notifier:       app.notifier,
		Metrics:        m,
		Logger:         zap.NewNop(),
		RenderMode:     config.RenderMerged,
		MaxUploadBytes: 10 << 20,
		MaxImagePixels: DefaultMaxImagePixels,
	}
	app.handler = app.state.Router()
	return app
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 120, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, path string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(uploadField, "frame.jpg")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestRootAndHealth(t *testing.T) {
	app := newTestApp(t, &fakeDetector{}, &fakeDetector{})

	rec := app.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"message": "Welcome to YOLOv5 FastAPI!"}, decodeBody[map[string]string](t, rec))

	rec = app.do(httptest.NewRequest(http.MethodGet, "/notify/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"msg": "OK"}, decodeBody[map[string]string](t, rec))
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	app := newTestApp(t, &fakeDetector{}, &fakeDetector{})

	req := httptest.NewRequest(http.MethodGet, "/notify/v1/health", nil)
	req.Header.Set("Origin", "http://dashboard.example")
	rec := app.do(req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	preflight := httptest.NewRequest(http.MethodOptions, "/object-to-json", nil)
	preflight.Header.Set("Origin", "http://dashboard.example")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = app.do(preflight)
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHeader(t *testing.T) {
	app := newTestApp(t, &fakeDetector{}, &fakeDetector{})

	rec := app.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "cam-7")
	rec = app.do(req)
	assert.Equal(t, "cam-7", rec.Header().Get(requestIDHeader))
}

func TestObjectToJSON(t *testing.T) {
	app := newTestApp(t,
		&fakeDetector{dets: []models.Detection{crash}},
		&fakeDetector{dets: []models.Detection{thief, fight}})

	rec := app.do(uploadRequest(t, "/object-to-json", testJPEG(t, 64, 64)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeBody[DetectionResponse](t, rec)
	assert.True(t, resp.AccidentDetected)
	assert.True(t, resp.TheftDetected)
	assert.Equal(t, []models.Detection{crash, thief, fight}, resp.DetectionSummary)

	assert.GreaterOrEqual(t, resp.Timing.AccidentInferenceMs, 0.0)
	assert.GreaterOrEqual(t, resp.Timing.TheftInferenceMs, 0.0)
	assert.InDelta(t, resp.Timing.AccidentInferenceMs+resp.Timing.TheftInferenceMs, resp.Timing.TotalInferenceMs, 0.011)

	assert.Equal(t, []notifyCall{{accident: true, theft: true}}, app.notifier.Calls())
}

func TestObjectToJSONSingleModelFires(t *testing.T) {
	app := newTestApp(t, &fakeDetector{}, &fakeDetector{dets: []models.Detection{fight}})

	resp := decodeBody[DetectionResponse](t, app.do(uploadRequest(t, "/object-to-json", testJPEG(t, 32, 32))))
	assert.False(t, resp.AccidentDetected)
	assert.True(t, resp.TheftDetected)
	assert.Equal(t, []models.Detection{fight}, resp.DetectionSummary)
	assert.Equal(t, []notifyCall{{accident: false, theft: true}}, app.notifier.Calls())
}

func TestObjectToJSONNoDetections(t *testing.T) {
	app := newTestApp(t, &fakeDetector{}, &fakeDetector{})

	rec := app.do(uploadRequest(t, "/object-to-json", testJPEG(t, 32, 32)))
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.JSONEq(t, "false", string(raw["accident_detected"]))
	assert.JSONEq(t, "false", string(raw["thief_detected"]))
	assert.JSONEq(t, "[]", string(raw["detection_summary"]))
	assert.Contains(t, raw, "timing")

	assert.Empty(t, app.notifier.Calls())
}

func TestRealtime(t *testing.T) {
	app := newTestApp(t,
		&fakeDetector{dets: []models.Detection{crash}},
		&fakeDetector{dets: []models.Detection{thief}})

	rec := app.do(uploadRequest(t, "/object-to-json-realtime", testJPEG(t, 48, 48)))
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.NotContains(t, raw, "timing")

	resp := decodeBody[RealtimeResponse](t, rec)
	assert.True(t, resp.AccidentDetected)
	assert.True(t, resp.TheftDetected)
	assert.Equal(t, []models.Detection{crash, thief}, resp.Detections)

	assert.Empty(t, app.notifier.Calls(), "realtime polling must not send alerts")
}

func TestObjectToImage(t *testing.T) {
	tests := []struct {
		name     string
		accident []models.Detection
		theft    []models.Detection
		notified []notifyCall
	}{
		{name: "with detections", accident: []models.Detection{crash}, theft: []models.Detection{thief}, notified: []notifyCall{{true, true}}},
		{name: "no detections"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, &fakeDetector{dets: tt.accident}, &fakeDetector{dets: tt.theft})

			rec := app.do(uploadRequest(t, "/object-to-img", testJPEG(t, 80, 60)))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

			img, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 80, 60), img.Bounds())

			if tt.notified == nil {
				assert.Empty(t, app.notifier.Calls())
			} else {
				assert.Equal(t, tt.notified, app.notifier.Calls())
			}
		})
	}
}

func TestMalformedImage(t *testing.T) {
	for _, path := range []string{"/object-to-json-realtime", "/object-to-json", "/object-to-img"} {
		t.Run(path, func(t *testing.T) {
			app := newTestApp(t,
				&fakeDetector{dets: []models.Detection{crash}},
				&fakeDetector{dets: []models.Detection{thief}})

			rec := app.do(uploadRequest(t, path, []byte("definitely not an image")))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, ErrorResponse{Error: "Invalid image format"}, decodeBody[ErrorResponse](t, rec))

			assert.Zero(t, app.accident.calls.Load())
			assert.Zero(t, app.theft.calls.Load())
			assert.Empty(t, app.notifier.Calls())
		})
	}
}

func TestOversizedImageRejected(t *testing.T) {
	for _, path := range []string{"/object-to-json-realtime", "/object-to-json", "/object-to-img"} {
		t.Run(path, func(t *testing.T) {
			app := newTestApp(t, &fakeDetector{}, &fakeDetector{})

			rec := app.do(uploadRequest(t, path, hugePNG(t, 40000, 40000)))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, ErrorResponse{Error: "Invalid image format"}, decodeBody[ErrorResponse](t, rec))
			assert.Zero(t, app.accident.calls.Load())
		})
	}
}

func TestModelsUnavailable(t *testing.T) {
	app := newTestApp(t, &fakeDetector{}, &fakeDetector{})
	app.state.Theft = detections.Unavailable(theftModelName, errors.New("model file not found: models/theft.onnx"))
	app.handler = app.state.Router()

	for _, path := range []string{"/object-to-json", "/object-to-img"} {
		resp := decodeBody[ErrorResponse](t, app.do(uploadRequest(t, path, testJPEG(t, 32, 32))))
		assert.Equal(t, "One or both models are not loaded.", resp.Error, path)
	}

	// the gate runs before the upload is read
	resp := decodeBody[ErrorResponse](t, app.do(uploadRequest(t, "/object-to-json", []byte("garbage"))))
	assert.Equal(t, "One or both models are not loaded.", resp.Error)

	resp = decodeBody[ErrorResponse](t, app.do(uploadRequest(t, "/object-to-json-realtime", testJPEG(t, 32, 32))))
	assert.True(t, strings.HasPrefix(resp.Error, "Real-time detection failed: "), resp.Error)
	assert.Contains(t, resp.Error, "theft model")

	assert.Zero(t, app.accident.calls.Load())
	assert.Empty(t, app.notifier.Calls())
}

func TestInferenceFailure(t *testing.T) {
	tests := []struct {
		name   string
		theft  *fakeDetector
		path   string
		prefix string
	}{
		{"json error", &fakeDetector{err: errors.New("onnx run failed")}, "/object-to-json", "Inference failed: "},
		{"json panic", &fakeDetector{panic: true}, "/object-to-json", "Inference failed: "},
		{"image error", &fakeDetector{err: errors.New("onnx run failed")}, "/object-to-img", "Image processing failed: "},
		{"realtime panic", &fakeDetector{panic: true}, "/object-to-json-realtime", "Real-time detection failed: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, &fakeDetector{dets: []models.Detection{crash}}, tt.theft)

			rec := app.do(uploadRequest(t, tt.path, testJPEG(t, 32, 32)))
			assert.Equal(t, http.StatusOK, rec.Code)
			resp := decodeBody[ErrorResponse](t, rec)
			assert.True(t, strings.HasPrefix(resp.Error, tt.prefix), resp.Error)

			// a failed request never alerts, even though the accident model fired
			assert.Empty(t, app.notifier.Calls())
		})
	}
}

func TestUploadRejected(t *testing.T) {
	app := newTestApp(t, &fakeDetector{}, &fakeDetector{})

	req := httptest.NewRequest(http.MethodPost, "/object-to-json", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := app.do(req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)

	app.state.MaxUploadBytes = 1024
	app.handler = app.state.Router()
	rec = app.do(uploadRequest(t, "/object-to-json", bytes.Repeat([]byte{0xAB}, 64<<10)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.Zero(t, app.accident.calls.Load())
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, &fakeDetector{dets: []models.Detection{crash}}, &fakeDetector{})

	app.do(uploadRequest(t, "/object-to-json", testJPEG(t, 32, 32)))
	rec := app.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `detection_requests_total{endpoint="/object-to-json",outcome="ok"} 1`)
	assert.Contains(t, body, `detection_objects_total{class="accident",model="accident"} 1`)
	assert.Contains(t, body, "detection_inference_duration_seconds")
}

func TestOverlayRenderModes(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for i := range src.Pix {
		src.Pix[i] = 0x80
		if i%4 == 3 {
			src.Pix[i] = 0xFF
		}
	}
	outcome := models.NewOutcome([]models.Detection{crash}, nil)

	assert.True(t, samePixels(src, overlay(config.RenderTheft, src, outcome)), "theft mode ignores accident boxes")
	assert.False(t, samePixels(src, overlay(config.RenderMerged, src, outcome)), "merged mode draws accident boxes")
}

func samePixels(a, b image.Image) bool {
	if a.Bounds() != b.Bounds() {
		return false
	}
	r := a.Bounds()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			ar, ag, ab, _ := a.At(x, y).RGBA()
			br, bg, bb, _ := b.At(x, y).RGBA()
			if ar != br || ag != bg || ab != bb {
				return false
			}
		}
	}
	return true
}

func TestToMillis(t *testing.T) {
	assert.Equal(t, 12.35, toMillis(12345678))
	assert.Equal(t, 0.0, toMillis(0))
}
