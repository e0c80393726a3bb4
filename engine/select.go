package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"HvacDetServer/config"
	iface "HvacDetServer/interface"
	"HvacDetServer/logger"

	"go.uber.org/zap"
)

// Choose picks the execution strategy, first match wins:
// CUDA GPU, then an OpenVINO export on disk, then the CPU-optimised path
// (Vulkan when vulkaninfo reports it, plain CPU otherwise).
// force ("cuda", "openvino", "ncnn") skips straight to that variant.
func Choose(p Probe, paths ModelPaths, force string) Variant {
	switch strings.ToLower(force) {
	case "cuda":
		return cudaVariant(paths)
	case "openvino":
		return openVINOVariant(paths)
	case "ncnn":
		return ncnnVariant(p, paths)
	}
	if p.CUDA != nil && p.CUDA() {
		return cudaVariant(paths)
	}
	if p.Exists != nil && p.Exists(paths.OpenVINODir) {
		return openVINOVariant(paths)
	}
	return ncnnVariant(p, paths)
}

func cudaVariant(paths ModelPaths) Variant {
	return Variant{
		Kind:       KindCUDA,
		Device:     DeviceCUDA,
		Model:      paths.CUDAModel,
		NetBackend: "cuda",
		NetTarget:  "cuda",
	}
}

func openVINOVariant(paths ModelPaths) Variant {
	model, weights := openVINOFiles(paths.OpenVINODir)
	return Variant{
		Kind:       KindOpenVINO,
		Device:     DeviceOpenVINO,
		Model:      model,
		Config:     weights,
		NetBackend: "openvino",
		NetTarget:  "cpu",
	}
}

func ncnnVariant(p Probe, paths ModelPaths) Variant {
	v := Variant{
		Kind:  KindNCNN,
		Model: filepath.Join(paths.NCNNDir, ncnnModelFile),
	}
	if p.Vulkan != nil && p.Vulkan() {
		v.Device = DeviceNCNNVulkan
		v.NetBackend = "vulkan"
		v.NetTarget = "vulkan"
	} else {
		v.Device = DeviceNCNNCPU
		v.NetBackend = "opencv"
		v.NetTarget = "cpu"
	}
	return v
}

// SelectBackend chooses a variant and constructs it. Selection itself cannot fail;
// a missing or unreadable artifact for the chosen variant is returned as an error
// and is meant to abort startup.
func SelectBackend(p Probe, paths ModelPaths, force string, opts Options) (*DNNBackend, error) {
	v := Choose(p, paths, force)
	logger.Named("engine").Info("Inference backend selected",
		zap.String("device", v.Device),
		zap.String("model", v.Model),
		zap.String("netBackend", v.NetBackend),
		zap.String("netTarget", v.NetTarget))
	return New(v, opts)
}

// FromConfig resolves class names and paths from the model section of the config
// and selects a backend against the live system.
func FromConfig(m config.ModelConfig) (*DNNBackend, error) {
	names := iface.NamesConf{Data: m.Names}
	if m.NamesFile != "" {
		names = iface.NamesConf{IsFile: true, Data: m.NamesFile}
	}
	resolved, err := ResolveNames(names)
	if err != nil {
		return nil, fmt.Errorf("class names: %w", err)
	}
	paths := ModelPaths{
		CUDAModel:   m.CUDAModel,
		OpenVINODir: m.OpenVINODir,
		NCNNDir:     m.NCNNDir,
	}
	return SelectBackend(SystemProbe(), paths, m.Device, Options{
		Names:        resolved,
		Conf:         m.Conf,
		Iou:          m.Iou,
		InputSize:    m.InputSize,
		WarmupPasses: m.WarmupPasses,
	})
}
