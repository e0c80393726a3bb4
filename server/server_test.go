package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"HvacDetServer/config"
	iface "HvacDetServer/interface"
	"HvacDetServer/metrics"
	"HvacDetServer/monitor"
	"HvacDetServer/pipeline"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubBackend struct {
	dets []iface.Detection
	tick func()
}

func (b *stubBackend) Device() string { return "NCNN-CPU" }

func (b *stubBackend) Predict(gocv.Mat) ([]iface.Detection, error) {
	if b.tick != nil {
		b.tick()
	}
	return b.dets, nil
}

func (b *stubBackend) CheckConfig() iface.EngineConfig { return iface.EngineConfig{Device: "NCNN-CPU"} }

func (b *stubBackend) Close() error { return nil }

// greySource yields n flat frames of w x h.
type greySource struct {
	n, w, h int
}

func (s *greySource) Read(dst *gocv.Mat) bool {
	if s.n == 0 {
		return false
	}
	s.n--
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(70, 70, 70, 0), s.h, s.w, gocv.MatTypeCV8UC3)
	defer m.Close()
	m.CopyTo(dst)
	return true
}

func (s *greySource) FPS() float64 { return 30 }

func (s *greySource) Close() error { return nil }

type countingSink struct {
	w, h   int
	frames int
}

func (s *countingSink) Write(frame gocv.Mat) error {
	s.w, s.h = frame.Cols(), frame.Rows()
	s.frames++
	return nil
}

func (s *countingSink) Close() error { return nil }

type fixture struct {
	cfg    config.Config
	router *gin.Engine
	store  *metrics.Store
	mon    *monitor.Monitor
	sink   *countingSink
}

func newFixture(t *testing.T, backend *stubBackend, opts ...pipeline.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.UploadDir = filepath.Join(dir, "uploads")
	cfg.OutputDir = filepath.Join(dir, "results", "sample_outputs")
	cfg.MetricsPath = filepath.Join(dir, "results", "metrics.json")

	f := &fixture{cfg: cfg, store: metrics.NewStore(cfg.MetricsPath), mon: monitor.New("NCNN-CPU"), sink: &countingSink{}}
	opts = append([]pipeline.Option{
		pipeline.WithSinkFactory(func(string, float64, int, int) (pipeline.FrameSink, error) { return f.sink, nil }),
	}, opts...)
	runner := pipeline.NewRunner(backend, opts...)
	f.router = New(cfg, runner, f.store, f.mon).Router()
	return f
}

func (f *fixture) records(t *testing.T) []map[string]any {
	t.Helper()
	b, err := os.ReadFile(f.cfg.MetricsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func upload(t *testing.T, router http.Handler, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict/file", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func jpeg(t *testing.T) []byte {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(20, 20, 20, 0), 120, 160, gocv.MatTypeCV8UC3)
	defer img.Close()
	buf, err := gocv.IMEncode(".jpg", img)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRoot(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "NCNN-CPU", body["backend"])
	assert.Contains(t, body["available_endpoints"], "POST /predict/file")
	n, err := testutil.GatherAndCount(f.mon.Registry(), "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPing(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
}

func TestPredictImage(t *testing.T) {
	backend := &stubBackend{dets: []iface.Detection{{Class: "hvac", Confidence: 0.91234, Box: iface.Box{5, 6, 50, 60}}}}
	f := newFixture(t, backend)

	rec := upload(t, f.router, "roof.jpg", jpeg(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "roof.jpg", body["filename"])
	assert.Equal(t, "image", body["type"])
	assert.Equal(t, "NCNN-CPU", body["device"])
	assert.Equal(t, "output_roof.jpg", body["output_file"])
	dets := body["detections"].([]any)
	require.Len(t, dets, 1)
	det := dets[0].(map[string]any)
	assert.Equal(t, "hvac", det["class"])
	assert.Equal(t, 0.912, det["confidence"])
	assert.Equal(t, []any{5.0, 6.0, 50.0, 60.0}, det["box"])

	assert.FileExists(t, filepath.Join(f.cfg.OutputDir, "output_roof.jpg"))
	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "image", recs[0]["mode"])
}

func TestPredictInvalidImage(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	rec := upload(t, f.router, "broken.png", []byte("not really a png"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid image format"}`, rec.Body.String())
	assert.Empty(t, f.records(t))
}

func TestPredictUnsupported(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	rec := upload(t, f.router, "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Unsupported file format"}`, rec.Body.String())

	assert.NoFileExists(t, f.cfg.MetricsPath)
	assert.NoFileExists(t, filepath.Join(f.cfg.UploadDir, "notes.txt"))
	assert.NoDirExists(t, f.cfg.OutputDir)
}

func TestPredictVideo(t *testing.T) {
	mock := clock.NewMock()
	backend := &stubBackend{tick: func() { mock.Add(10 * time.Millisecond) }}
	f := newFixture(t, backend,
		pipeline.WithClock(mock),
		pipeline.WithFileOpener(func(string) (pipeline.FrameSource, error) {
			return &greySource{n: 10, w: 640, h: 480}, nil
		}))

	rec := upload(t, f.router, "site.mp4", []byte("fake video bytes"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "video", body["type"])
	assert.Equal(t, 10.0, body["frames_processed"])
	assert.Equal(t, 100.0, body["avg_fps"])
	assert.Equal(t, 10.0, body["avg_inference_time_ms"])
	assert.Equal(t, "output_site.mp4", body["output_video"])

	assert.Equal(t, 10, f.sink.frames)
	assert.Equal(t, 1280, f.sink.w)
	assert.Equal(t, 720, f.sink.h)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "video", recs[0]["mode"])
	assert.Equal(t, 10.0, recs[0]["frames"])
	assert.Greater(t, recs[0]["avg_fps"].(float64), 0.0)
}

func TestPredictCamera(t *testing.T) {
	mock := clock.NewMock()
	backend := &stubBackend{tick: func() { mock.Add(500 * time.Millisecond) }}
	f := newFixture(t, backend,
		pipeline.WithClock(mock),
		pipeline.WithCameraOpener(func(int) (pipeline.FrameSource, error) {
			return &greySource{n: -1, w: 320, h: 240}, nil
		}))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict/camera?duration=2", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"mode":"camera","device":"NCNN-CPU","duration_s":2,"output_video":"output_camera.mp4"}`, rec.Body.String())
	assert.Equal(t, 5, f.sink.frames)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "camera", recs[0]["mode"])
	assert.Equal(t, 2.0, recs[0]["duration_s"])
}

func TestPredictVideoWithoutFrames(t *testing.T) {
	f := newFixture(t, &stubBackend{},
		pipeline.WithFileOpener(func(string) (pipeline.FrameSource, error) {
			return &greySource{n: 0, w: 640, h: 480}, nil
		}))

	rec := upload(t, f.router, "empty.mp4", []byte("fake video bytes"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, 0.0, body["frames_processed"])
	assert.Equal(t, 0.0, body["avg_fps"])
	assert.Equal(t, 0.0, body["avg_inference_time_ms"])
	require.Contains(t, body, "output_video")
	assert.Nil(t, body["output_video"])
	assert.Zero(t, f.sink.frames)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.NotContains(t, recs[0], "output_file")

	dl := httptest.NewRecorder()
	f.router.ServeHTTP(dl, httptest.NewRequest(http.MethodGet, "/download/output_empty.mp4", nil))
	assert.Equal(t, http.StatusNotFound, dl.Code)
}

func TestPredictCameraWithoutFrames(t *testing.T) {
	f := newFixture(t, &stubBackend{},
		pipeline.WithCameraOpener(func(int) (pipeline.FrameSource, error) {
			return &greySource{n: 0, w: 320, h: 240}, nil
		}))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict/camera?duration=1", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"mode":"camera","device":"NCNN-CPU","duration_s":1,"output_video":null}`, rec.Body.String())
	assert.Zero(t, f.sink.frames)
}

func TestPredictCameraErrors(t *testing.T) {
	f := newFixture(t, &stubBackend{},
		pipeline.WithCameraOpener(func(int) (pipeline.FrameSource, error) { return nil, errors.New("no device") }))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict/camera?duration=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict/camera", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Couldn't open camera"}`, rec.Body.String())
	assert.Empty(t, f.records(t))
}

func TestDownload(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	require.NoError(t, os.MkdirAll(f.cfg.OutputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.OutputDir, "output_a.jpg"), []byte("abc"), 0o644))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/output_a.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "output_a.jpg")
}

func TestDownloadMissing(t *testing.T) {
	f := newFixture(t, &stubBackend{})
	for _, path := range []string{"/download/nonexistent.mp4", "/download/..", "/download/%2e%2e"} {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.JSONEq(t, `{"error":"File not found"}`, rec.Body.String(), path)
	}
}

func TestWebSocketPredict(t *testing.T) {
	backend := &stubBackend{dets: []iface.Detection{{Class: "hvac", Confidence: 0.5, Box: iface.Box{1, 1, 9, 9}}}}
	f := newFixture(t, backend)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/predict"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg(t))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "NCNN-CPU", reply["device"])
	assert.Len(t, reply["detections"], 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("%%%")))
	reply = nil
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "Invalid image format", reply["error"])
}
