package engine

import (
	"fmt"
	"image"
	"sync"
	"time"

	iface "HvacDetServer/interface"
	"HvacDetServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// DNNBackend runs a YOLO export through the OpenCV DNN module.
// Forward is serialised: a gocv Net must not be used from two goroutines at once.
type DNNBackend struct {
	mu      sync.Mutex
	net     gocv.Net
	variant Variant
	opts    Options
	closed  bool
}

var _ iface.Backend = (*DNNBackend)(nil)

func New(v Variant, opts Options) (*DNNBackend, error) {
	opts = opts.withDefaults()
	if err := checkArtifact(v.Model); err != nil {
		return nil, err
	}
	if v.Config != "" {
		if err := checkArtifact(v.Config); err != nil {
			return nil, err
		}
	}

	net := gocv.ReadNet(v.Model, v.Config)
	if net.Empty() {
		return nil, fmt.Errorf("%w: cannot read %s", ErrModelArtifact, v)
	}
	net.SetPreferableBackend(gocv.ParseNetBackend(v.NetBackend))
	net.SetPreferableTarget(gocv.ParseNetTarget(v.NetTarget))

	b := &DNNBackend{net: net, variant: v, opts: opts}
	if v.Kind == KindCUDA {
		b.warmup()
	}
	logger.Log().Info("Model loaded",
		zap.String("device", v.Device),
		zap.Int("classes", len(opts.Names)),
		zap.Int("inputSize", opts.InputSize))
	return b, nil
}

// warmup pushes blank frames through the net so the first real request does not pay
// for CUDA kernel compilation. Failures are logged and ignored.
func (b *DNNBackend) warmup() {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Warn("Warmup failed", zap.Any("panic", r))
		}
	}()
	blank := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), b.opts.InputSize, b.opts.InputSize, gocv.MatTypeCV8UC3)
	defer blank.Close()
	for i := 0; i < b.opts.WarmupPasses; i++ {
		start := time.Now()
		if _, err := b.Predict(blank); err != nil {
			logger.Log().Warn("Warmup pass failed", zap.Int("pass", i), zap.Error(err))
			return
		}
		logger.Log().Debug("Warmup pass", zap.Int("pass", i), zap.Duration("took", time.Since(start)))
	}
}

func (b *DNNBackend) Device() string {
	return b.variant.Device
}

func (b *DNNBackend) Variant() Variant {
	return b.variant
}

// Predict returns the detections for one BGR frame, in frame pixel coordinates.
func (b *DNNBackend) Predict(frame gocv.Mat) ([]iface.Detection, error) {
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	blob, scale := letterbox(frame, b.opts.InputSize)
	defer blob.Close()
	b.net.SetInput(blob, "")
	out := b.net.Forward("")
	defer out.Close()
	if out.Empty() {
		return nil, fmt.Errorf("%s: forward produced no output", b.variant.Device)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("%s: read output: %w", b.variant.Device, err)
	}
	cands, err := decodeYOLO(data, out.Size(), b.opts.Conf, scale)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.variant.Device, err)
	}
	return suppress(cands, b.opts.Names, b.opts.Conf, b.opts.Iou, image.Rect(0, 0, frame.Cols(), frame.Rows())), nil
}

func (b *DNNBackend) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Device:    b.variant.Device,
		ModelPath: b.variant.Model,
		Names:     append([]string(nil), b.opts.Names...),
		Conf:      b.opts.Conf,
		Iou:       b.opts.Iou,
		InputSize: b.opts.InputSize,
	}
}

func (b *DNNBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.net.Close()
}
