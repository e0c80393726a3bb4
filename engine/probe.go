package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	vulkanMarker  = "Vulkan Instance Version"
	probeTimeout  = 10 * time.Second
	nvidiaVersion = "/proc/driver/nvidia/version"
)

// Probe captures the parts of the environment backend selection depends on.
// Selection is a pure function of a Probe, so a fixed Probe always yields the same variant.
type Probe struct {
	CUDA   func() bool
	Exists func(path string) bool
	Vulkan func() bool
}

func SystemProbe() Probe {
	return Probe{
		CUDA:   detectCUDA,
		Exists: pathExists,
		Vulkan: detectVulkan,
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func runTool(name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).Output()
}

func detectCUDA() bool {
	switch v := strings.ToLower(os.Getenv("NVIDIA_VISIBLE_DEVICES")); v {
	case "", "void", "none":
	default:
		return true
	}
	if pathExists(nvidiaVersion) {
		return true
	}
	out, err := runTool("nvidia-smi", "-L")
	if err != nil {
		return false
	}
	return bytes.Contains(out, []byte("GPU "))
}

// detectVulkan asks vulkaninfo for its report. A missing tool means no Vulkan; a
// non-zero exit still counts if the version line was printed.
func detectVulkan() bool {
	out, err := runTool("vulkaninfo")
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return false
		}
	}
	return hasVulkanVersion(out)
}

func hasVulkanVersion(out []byte) bool {
	return bytes.Contains(out, []byte(vulkanMarker))
}
