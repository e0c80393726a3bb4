package engine

import (
	"fmt"
	"image"
	"sort"

	iface "HvacDetServer/interface"

	"gocv.io/x/gocv"
)

type candidate struct {
	rect    image.Rectangle
	score   float32
	classID int
}

// decodeYOLO reads a YOLOv8/11 detection head. dims is the output shape, either
// [1, 4+nc, N] (channel-major, the default export) or [1, N, 4+nc].
// Boxes are centre/size in model input pixels and are mapped back by scale.
func decodeYOLO(data []float32, dims []int, conf, scale float32) ([]candidate, error) {
	if len(dims) == 3 {
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	channels, anchors := dims[0], dims[1]
	// the class axis is the short one unless it is too short to carry scores
	channelMajor := true
	if (channels > anchors && anchors > 4) || (channels <= 4 && anchors > 4) {
		channels, anchors = anchors, channels
		channelMajor = false
	}
	if channels <= 4 {
		return nil, fmt.Errorf("output shape %v has no class scores", dims)
	}
	if len(data) < channels*anchors {
		return nil, fmt.Errorf("output has %d values, shape %v needs %d", len(data), dims, channels*anchors)
	}
	at := func(c, i int) float32 {
		if channelMajor {
			return data[c*anchors+i]
		}
		return data[i*channels+c]
	}

	var out []candidate
	for i := 0; i < anchors; i++ {
		best, bestID := float32(0), -1
		for c := 4; c < channels; c++ {
			if s := at(c, i); s > best {
				best, bestID = s, c-4
			}
		}
		if bestID < 0 || best < conf {
			continue
		}
		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		out = append(out, candidate{
			rect: image.Rect(
				int((cx-w/2)*scale),
				int((cy-h/2)*scale),
				int((cx+w/2)*scale),
				int((cy+h/2)*scale),
			),
			score:   clamp01(best),
			classID: bestID,
		})
	}
	return out, nil
}

// suppress runs class-aware NMS and converts the survivors into detections
// clipped to the frame bounds, best first.
func suppress(cands []candidate, names []string, conf, iou float32, bounds image.Rectangle) []iface.Detection {
	if len(cands) == 0 {
		return []iface.Detection{}
	}
	rects := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		off := c.classID * classOffset
		rects[i] = c.rect.Add(image.Pt(off, off))
		scores[i] = c.score
	}
	keep := gocv.NMSBoxes(rects, scores, conf, iou)
	sort.SliceStable(keep, func(a, b int) bool { return scores[keep[a]] > scores[keep[b]] })
	if len(keep) > maxDetections {
		keep = keep[:maxDetections]
	}

	dets := make([]iface.Detection, 0, len(keep))
	for _, k := range keep {
		c := cands[k]
		r := c.rect.Intersect(bounds)
		if r.Empty() {
			continue
		}
		dets = append(dets, iface.Detection{
			ClassID:    c.classID,
			Class:      className(names, c.classID),
			Confidence: c.score,
			Box:        iface.BoxFromRect(r),
		})
	}
	return dets
}

// letterbox pads the frame bottom/right into a square and builds the network blob.
// The returned scale maps model pixels back to frame pixels.
func letterbox(frame gocv.Mat, size int) (gocv.Mat, float32) {
	rows, cols := frame.Rows(), frame.Cols()
	maxDim := max(rows, cols)
	square := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(114, 114, 114, 0), maxDim, maxDim, gocv.MatTypeCV8UC3)
	defer square.Close()
	roi := square.Region(image.Rect(0, 0, cols, rows))
	frame.CopyTo(&roi)
	roi.Close()

	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	return blob, float32(maxDim) / float32(size)
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
