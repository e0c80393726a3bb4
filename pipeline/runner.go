// Package pipeline drives frame sources through inference, annotation and encoding.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"HvacDetServer/annotate"
	iface "HvacDetServer/interface"
	"HvacDetServer/logger"
	"HvacDetServer/metrics"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// DefaultFPS is used for output video when the source does not report a rate.
const DefaultFPS = 25

var (
	ErrInvalidImage = errors.New("invalid image format")
	ErrCaptureOpen  = errors.New("couldn't open camera")
	ErrOpenSource   = errors.New("couldn't open source")
	ErrOpenSink     = errors.New("couldn't open output")
)

// Observer receives timing as a run progresses.
type Observer interface {
	ObserveInference(mode string, d time.Duration)
	ObserveRun(mode string, frames int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveInference(string, time.Duration) {}
func (nopObserver) ObserveRun(string, int, time.Duration) {}

// Options shape a video or camera run. Zero values mean "keep the source's".
type Options struct {
	Width, Height int
	FPS           float64
	// MaxDuration bounds wall-clock time; zero means until the source ends.
	MaxDuration time.Duration
}

type ImageResult struct {
	Source      string
	Output      string
	Device      string
	Detections  []iface.Detection
	InferenceMs float64
}

// Record converts the result into a metrics entry.
func (r ImageResult) Record() metrics.Record {
	return metrics.Record{
		Mode:               metrics.ModeImage,
		Device:             r.Device,
		Filename:           filepath.Base(r.Source),
		Frames:             1,
		AvgInferenceTimeMs: r.InferenceMs,
		OutputFile:         filepath.Base(r.Output),
	}
}

type VideoResult struct {
	Mode   string
	Source string
	// Output is empty when no frame was written.
	Output         string
	Device         string
	Frames         int
	Width, Height  int
	FPS            float64
	Elapsed        time.Duration
	MaxDuration    time.Duration
	AvgFPS         float64
	AvgInferenceMs float64
	// Interrupted is set when the context ended the run early.
	Interrupted bool
}

func (r VideoResult) Resolution() string {
	if r.Width == 0 || r.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r VideoResult) Record() metrics.Record {
	rec := metrics.Record{
		Mode:               r.Mode,
		Device:             r.Device,
		Filename:           filepath.Base(r.Source),
		Frames:             r.Frames,
		AvgFPS:             r.AvgFPS,
		AvgInferenceTimeMs: r.AvgInferenceMs,
		Resolution:         r.Resolution(),
	}
	if r.Output != "" {
		rec.OutputFile = filepath.Base(r.Output)
	}
	// camera runs log the requested budget; unbounded runs fall back to the measured time
	if r.Mode == metrics.ModeCamera {
		rec.DurationS = r.MaxDuration.Seconds()
		if r.MaxDuration <= 0 {
			rec.DurationS = metrics.Round2(r.Elapsed.Seconds())
		}
	}
	return rec
}

type Runner struct {
	backend    iface.Backend
	clock      clock.Clock
	observer   Observer
	openFile   FileOpener
	openCamera CameraOpener
	newSink    SinkFactory
}

type Option func(*Runner)

func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

func WithFileOpener(f FileOpener) Option {
	return func(r *Runner) { r.openFile = f }
}

func WithCameraOpener(f CameraOpener) Option {
	return func(r *Runner) { r.openCamera = f }
}

func WithSinkFactory(f SinkFactory) Option {
	return func(r *Runner) { r.newSink = f }
}

// NewRunner binds the process-wide backend. Every run made through the Runner uses it.
func NewRunner(b iface.Backend, opts ...Option) *Runner {
	r := &Runner{
		backend:    b,
		clock:      clock.New(),
		observer:   nopObserver{},
		openFile:   OpenFile,
		openCamera: OpenCamera,
		newSink:    NewVideoSink,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Device() string {
	return r.backend.Device()
}

// Backend exposes the shared backend for single-frame callers (gRPC, WebSocket).
func (r *Runner) Backend() iface.Backend {
	return r.backend
}

// Detect runs one inference on an in-memory frame and reports its latency.
func (r *Runner) Detect(frame gocv.Mat) ([]iface.Detection, time.Duration, error) {
	t0 := r.clock.Now()
	dets, err := r.backend.Predict(frame)
	d := r.clock.Since(t0)
	if err != nil {
		return nil, d, err
	}
	r.observer.ObserveInference(metrics.ModeImage, d)
	return dets, d, nil
}

// RunImage reads one image, runs a single inference and writes an annotated copy to out.
func (r *Runner) RunImage(ctx context.Context, in, out string) (ImageResult, error) {
	res := ImageResult{Source: in, Output: out, Device: r.backend.Device()}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	img := gocv.IMRead(in, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return res, fmt.Errorf("%w: %s", ErrInvalidImage, filepath.Base(in))
	}

	dets, d, err := r.Detect(img)
	if err != nil {
		return res, fmt.Errorf("predict %s: %w", filepath.Base(in), err)
	}
	res.Detections = dets
	res.InferenceMs = ms(d)

	drawn := annotate.Annotated(img, dets)
	defer drawn.Close()
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return res, err
	}
	if !gocv.IMWrite(out, drawn) {
		return res, fmt.Errorf("%w: write %s", ErrOpenSink, out)
	}
	r.observer.ObserveRun(metrics.ModeImage, 1, d)
	logger.Log().Info("Image processed",
		zap.String("source", filepath.Base(in)),
		zap.Int("detections", len(dets)),
		zap.Float64("inferenceMs", res.InferenceMs))
	return res, nil
}

// RunVideo processes a video file to exhaustion.
func (r *Runner) RunVideo(ctx context.Context, in, out string, opts Options) (res VideoResult, err error) {
	src, err := r.openFile(in)
	if err != nil {
		return VideoResult{Mode: metrics.ModeVideo, Source: in, Device: r.backend.Device()},
			fmt.Errorf("%w %s: %v", ErrOpenSource, filepath.Base(in), err)
	}
	defer func() { err = multierr.Append(err, src.Close()) }()
	return r.loop(ctx, metrics.ModeVideo, in, src, out, opts)
}

// RunCamera processes a live capture device until opts.MaxDuration has elapsed,
// the device stops delivering frames, or ctx is done.
func (r *Runner) RunCamera(ctx context.Context, device int, out string, opts Options) (res VideoResult, err error) {
	name := fmt.Sprintf("camera:%d", device)
	src, err := r.openCamera(device)
	if err != nil {
		logger.Log().Error("Couldn't open camera", zap.Int("device", device), zap.Error(err))
		return VideoResult{Mode: metrics.ModeCamera, Source: name, Device: r.backend.Device()},
			fmt.Errorf("%w %d: %v", ErrCaptureOpen, device, err)
	}
	defer func() { err = multierr.Append(err, src.Close()) }()
	return r.loop(ctx, metrics.ModeCamera, name, src, out, opts)
}

func (r *Runner) loop(ctx context.Context, mode, name string, src FrameSource, out string, opts Options) (res VideoResult, err error) {
	res = VideoResult{Mode: mode, Source: name, Device: r.backend.Device(), FPS: opts.FPS, MaxDuration: opts.MaxDuration}
	if res.FPS <= 0 {
		res.FPS = src.FPS()
	}
	if res.FPS <= 0 {
		res.FPS = DefaultFPS
	}

	frame := gocv.NewMat()
	defer frame.Close()
	resized := gocv.NewMat()
	defer resized.Close()

	// the sink is opened on the first frame so it can take that frame's size
	var sink FrameSink
	defer func() {
		if sink != nil {
			err = multierr.Append(err, sink.Close())
		}
	}()

	var inference time.Duration
	start := r.clock.Now()
	for {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		if !src.Read(&frame) || frame.Empty() {
			break
		}
		if opts.MaxDuration > 0 && r.clock.Since(start) > opts.MaxDuration {
			logger.Log().Info("Max duration reached", zap.String("source", name), zap.Duration("max", opts.MaxDuration))
			break
		}

		cur := &frame
		if opts.Width > 0 && opts.Height > 0 && (frame.Cols() != opts.Width || frame.Rows() != opts.Height) {
			gocv.Resize(frame, &resized, image.Pt(opts.Width, opts.Height), 0, 0, gocv.InterpolationLinear)
			cur = &resized
		}

		t0 := r.clock.Now()
		dets, perr := r.backend.Predict(*cur)
		d := r.clock.Since(t0)
		if perr != nil {
			return r.finish(res, start, inference), fmt.Errorf("predict frame %d: %w", res.Frames, perr)
		}
		inference += d
		r.observer.ObserveInference(mode, d)
		annotate.Draw(cur, dets)

		if sink == nil {
			res.Width, res.Height = cur.Cols(), cur.Rows()
			sink, err = r.newSink(out, res.FPS, res.Width, res.Height)
			if err != nil {
				sink = nil
				return r.finish(res, start, inference), fmt.Errorf("%w %s: %v", ErrOpenSink, out, err)
			}
			res.Output = out
		}
		if werr := sink.Write(*cur); werr != nil {
			return r.finish(res, start, inference), fmt.Errorf("write frame %d: %w", res.Frames, werr)
		}
		res.Frames++
	}

	res = r.finish(res, start, inference)
	r.observer.ObserveRun(mode, res.Frames, res.Elapsed)
	logger.Log().Info("Run finished",
		zap.String("mode", mode),
		zap.String("source", name),
		zap.Int("frames", res.Frames),
		zap.Float64("avgFPS", res.AvgFPS),
		zap.Float64("avgInferenceMs", res.AvgInferenceMs),
		zap.Bool("interrupted", res.Interrupted))
	return res, nil
}

// finish fills the derived throughput figures. Zero frames or zero elapsed time report 0.
func (r *Runner) finish(res VideoResult, start time.Time, inference time.Duration) VideoResult {
	res.Elapsed = r.clock.Since(start)
	if res.Frames > 0 {
		res.AvgInferenceMs = ms(inference) / float64(res.Frames)
		if secs := res.Elapsed.Seconds(); secs > 0 {
			res.AvgFPS = float64(res.Frames) / secs
		}
	}
	return res
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
