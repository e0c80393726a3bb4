package iface

import "gocv.io/x/gocv"

// Backend is the uniform contract over every execution engine.
// A Backend is built once at startup and shared by all requests.
type Backend interface {
	// Device names the selected execution engine, e.g. "CUDA" or "NCNN-CPU".
	Device() string
	// Predict runs one forward pass on a BGR frame. Calls are independent.
	Predict(frame gocv.Mat) ([]Detection, error)
	CheckConfig() EngineConfig
	Close() error
}
