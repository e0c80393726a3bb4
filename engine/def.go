package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	iface "HvacDetServer/interface"
)

type Kind int

const (
	KindCUDA Kind = iota + 1
	KindOpenVINO
	KindNCNN
)

// Device labels reported by every surface (API, metrics, console).
const (
	DeviceCUDA       = "CUDA"
	DeviceOpenVINO   = "OpenVINO"
	DeviceNCNNVulkan = "NCNN-Vulkan"
	DeviceNCNNCPU    = "NCNN-CPU"
)

const (
	openVINOModelFile   = "best.xml"
	openVINOWeightsFile = "best.bin"
	ncnnModelFile       = "model.onnx"
)

const (
	DefaultInputSize = 640
	DefaultConf      = 0.25
	DefaultIou       = 0.7
	maxDetections    = 300
	// class-aware NMS shifts each class into its own coordinate range
	classOffset = 7680
)

var (
	ErrModelArtifact = errors.New("model artifact unavailable")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrClosed        = errors.New("backend closed")
)

// ModelPaths are the well-known locations of each exported model.
type ModelPaths struct {
	CUDAModel   string
	OpenVINODir string
	NCNNDir     string
}

// Variant is one member of the closed set of execution strategies.
type Variant struct {
	Kind   Kind
	Device string
	Model  string
	Config string
	// NetBackend and NetTarget are gocv.ParseNetBackend / ParseNetTarget names.
	NetBackend string
	NetTarget  string
}

func (v Variant) String() string {
	return fmt.Sprintf("%s(%s)", v.Device, v.Model)
}

type Options struct {
	Names        []string
	Conf         float32
	Iou          float32
	InputSize    int
	WarmupPasses int
}

func (o Options) withDefaults() Options {
	if o.Conf <= 0 {
		o.Conf = DefaultConf
	}
	if o.Iou <= 0 {
		o.Iou = DefaultIou
	}
	if o.InputSize <= 0 {
		o.InputSize = DefaultInputSize
	}
	return o
}

// ResolveNames turns a NamesConf into a class name list. Data is a file path when
// IsFile is set, otherwise a []string or []any of strings.
func ResolveNames(names iface.NamesConf) ([]string, error) {
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return nil, fmt.Errorf("names file path must be a string, got %T", names.Data)
		}
		return ReadLines(path)
	}
	switch v := names.Data.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("names[%d] is %T, want string", i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("names must be a slice or a file path, got %T", names.Data)
	}
}

// ReadLines reads a names file, accepting CRLF and skipping blank lines.
func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func className(names []string, id int) string {
	if id >= 0 && id < len(names) {
		return names[id]
	}
	return fmt.Sprintf("class_%d", id)
}

func checkArtifact(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrModelArtifact)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModelArtifact, path, err)
	}
	return nil
}

func openVINOFiles(dir string) (model, weights string) {
	return filepath.Join(dir, openVINOModelFile), filepath.Join(dir, openVINOWeightsFile)
}
