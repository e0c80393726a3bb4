package pipeline

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

// Codec is the fourcc every output video is encoded with.
const Codec = "mp4v"

// FrameSource yields BGR frames until Read reports false.
type FrameSource interface {
	Read(dst *gocv.Mat) bool
	// FPS is the native frame rate, 0 when unknown.
	FPS() float64
	Close() error
}

type FrameSink interface {
	Write(frame gocv.Mat) error
	Close() error
}

type (
	FileOpener   func(path string) (FrameSource, error)
	CameraOpener func(device int) (FrameSource, error)
	SinkFactory  func(path string, fps float64, width, height int) (FrameSink, error)
)

type captureSource struct {
	vc *gocv.VideoCapture
}

// OpenFile opens a video file through OpenCV's capture backends.
func OpenFile(path string) (FrameSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture not opened for %s", path)
	}
	return &captureSource{vc: vc}, nil
}

func OpenCamera(device int) (FrameSource, error) {
	vc, err := gocv.VideoCaptureDevice(device)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture device %d not opened", device)
	}
	return &captureSource{vc: vc}, nil
}

func (s *captureSource) Read(dst *gocv.Mat) bool {
	return s.vc.Read(dst)
}

func (s *captureSource) FPS() float64 {
	return s.vc.Get(gocv.VideoCaptureFPS)
}

func (s *captureSource) Close() error {
	return s.vc.Close()
}

type videoSink struct {
	w *gocv.VideoWriter
}

// NewVideoSink creates an mp4v writer, making the parent directory if needed.
func NewVideoSink(path string, fps float64, width, height int) (FrameSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	w, err := gocv.VideoWriterFile(path, Codec, fps, width, height, true)
	if err != nil {
		return nil, err
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("video writer not opened for %s", path)
	}
	return &videoSink{w: w}, nil
}

func (s *videoSink) Write(frame gocv.Mat) error {
	return s.w.Write(frame)
}

func (s *videoSink) Close() error {
	return s.w.Close()
}

// MediaKind classifies an input by extension.
type MediaKind int

const (
	MediaUnsupported MediaKind = iota
	MediaImage
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	}
	return "unsupported"
}

// Classify looks only at the extension, case-insensitively.
func Classify(name string) MediaKind {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "jpg", "jpeg", "png":
		return MediaImage
	case "mp4", "avi", "mov":
		return MediaVideo
	}
	return MediaUnsupported
}

// DecodeImage accepts encoded image bytes, or base64 text of them with an optional
// data URL prefix.
func DecodeImage(b []byte) (gocv.Mat, error) {
	if len(b) == 0 {
		return gocv.NewMat(), ErrInvalidImage
	}
	mat, err := gocv.IMDecode(b, gocv.IMReadColor)
	if err == nil && !mat.Empty() {
		return mat, nil
	}
	mat.Close()

	s := strings.TrimSpace(string(b))
	if i := strings.Index(s, ","); i != -1 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	mat, err = gocv.IMDecode(raw, gocv.IMReadColor)
	if err != nil || mat.Empty() {
		mat.Close()
		return gocv.NewMat(), ErrInvalidImage
	}
	return mat, nil
}
