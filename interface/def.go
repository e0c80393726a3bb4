package iface

import (
	"image"
	"math"
)

// Detection is one predicted object from a single forward pass.
type Detection struct {
	ClassID    int
	Class      string
	Confidence float32
	Box        Box
}

// Box holds pixel corners in x1, y1, x2, y2 order.
type Box [4]int

func (b Box) Rect() image.Rectangle {
	return image.Rect(b[0], b[1], b[2], b[3])
}

func BoxFromRect(r image.Rectangle) Box {
	return Box{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
}

// NamesConf describes where class names come from: an inline list or a names file.
type NamesConf struct {
	IsFile bool
	Data   any
}

type EngineConfig struct {
	Device    string
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	InputSize int
}

// DetectionPayload is the wire shape shared by the HTTP, WebSocket and gRPC surfaces.
type DetectionPayload struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        [4]int  `json:"box"`
}

func Payloads(dets []Detection) []DetectionPayload {
	out := make([]DetectionPayload, len(dets))
	for i, d := range dets {
		out[i] = DetectionPayload{
			Class:      d.Class,
			Confidence: math.Round(float64(d.Confidence)*1000) / 1000,
			Box:        d.Box,
		}
	}
	return out
}
