// Package annotate overlays detections onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	iface "HvacDetServer/interface"

	"gocv.io/x/gocv"
)

var boxColor = color.RGBA{0, 255, 0, 0}

const (
	thickness = 2
	fontScale = 0.6
	// label baseline sits this far above the box top
	labelLift = 5
)

// Label is the text drawn next to a box, e.g. "hvac 0.87".
func Label(d iface.Detection) string {
	return fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
}

// Draw paints every detection onto frame in place. No filtering happens here.
func Draw(frame *gocv.Mat, dets []iface.Detection) {
	for _, d := range dets {
		r := d.Box.Rect()
		gocv.Rectangle(frame, r, boxColor, thickness)
		gocv.PutText(frame, Label(d), image.Pt(r.Min.X, r.Min.Y-labelLift), gocv.FontHersheySimplex, fontScale, boxColor, thickness)
	}
}

// Annotated returns a drawn copy of frame and leaves frame untouched.
// The caller owns the returned Mat.
func Annotated(frame gocv.Mat, dets []iface.Detection) gocv.Mat {
	out := frame.Clone()
	Draw(&out, dets)
	return out
}
