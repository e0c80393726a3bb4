package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort    int    `yaml:"HTTPPort"`
	RPCPort     int    `yaml:"RPCPort"`
	MonitorPort int    `yaml:"MonitorPort"`
	WorkersNum  int    `yaml:"workersNum"`
	LogMode     string `yaml:"LogMode"`
	LogLevel    string `yaml:"LogLevel"`

	UploadDir   string `yaml:"uploadDir"`
	OutputDir   string `yaml:"outputDir"`
	MetricsPath string `yaml:"metricsPath"`

	Models ModelConfig `yaml:"models"`

	VideoWidth    int     `yaml:"videoWidth"`
	VideoHeight   int     `yaml:"videoHeight"`
	VideoFPS      float64 `yaml:"videoFPS"`
	CameraDevice  int     `yaml:"cameraDevice"`
	CameraSeconds int     `yaml:"cameraSeconds"`

	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerPort int    `yaml:"RegServerPort"`
	RegServerHost string `yaml:"RegServerHost"`
}

type ModelConfig struct {
	// Device forces a variant ("cuda", "openvino", "ncnn"); empty means probe.
	Device       string   `yaml:"device"`
	CUDAModel    string   `yaml:"cudaModel"`
	OpenVINODir  string   `yaml:"openvinoDir"`
	NCNNDir      string   `yaml:"ncnnDir"`
	Names        []string `yaml:"names"`
	NamesFile    string   `yaml:"namesFile"`
	Conf         float32  `yaml:"conf"`
	Iou          float32  `yaml:"iou"`
	InputSize    int      `yaml:"inputSize"`
	WarmupPasses int      `yaml:"warmupPasses"`
}

func Default() Config {
	return Config{
		HTTPPort:      8000,
		RPCPort:       50051,
		MonitorPort:   50053,
		WorkersNum:    1,
		LogMode:       "production",
		UploadDir:     "uploads",
		OutputDir:     "results/sample_outputs",
		MetricsPath:   "results/metrics.json",
		VideoWidth:    1280,
		VideoHeight:   720,
		VideoFPS:      25,
		CameraSeconds: 10,
		Models: ModelConfig{
			CUDAModel:    "models/final/best.onnx",
			OpenVINODir:  "models/final/best_openvino_model",
			NCNNDir:      "models/final/best_ncnn_model",
			Names:        []string{"hvac"},
			Conf:         0.25,
			Iou:          0.7,
			InputSize:    640,
			WarmupPasses: 3,
		},
	}
}

// Load reads .env (if any), then the yaml file (if it exists), then HVAC_* overrides.
// Zero values left after that fall back to Default.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return &cfg, cfg.Validate()
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.HTTPPort == 0 {
		c.HTTPPort = d.HTTPPort
	}
	if c.RPCPort == 0 {
		c.RPCPort = d.RPCPort
	}
	if c.MonitorPort == 0 {
		c.MonitorPort = d.MonitorPort
	}
	if c.WorkersNum <= 0 {
		c.WorkersNum = d.WorkersNum
	}
	if c.LogMode == "" {
		c.LogMode = d.LogMode
	}
	if c.UploadDir == "" {
		c.UploadDir = d.UploadDir
	}
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	if c.MetricsPath == "" {
		c.MetricsPath = d.MetricsPath
	}
	if c.VideoWidth == 0 {
		c.VideoWidth = d.VideoWidth
	}
	if c.VideoHeight == 0 {
		c.VideoHeight = d.VideoHeight
	}
	if c.VideoFPS == 0 {
		c.VideoFPS = d.VideoFPS
	}
	if c.CameraSeconds == 0 {
		c.CameraSeconds = d.CameraSeconds
	}
	m := &c.Models
	if m.CUDAModel == "" {
		m.CUDAModel = d.Models.CUDAModel
	}
	if m.OpenVINODir == "" {
		m.OpenVINODir = d.Models.OpenVINODir
	}
	if m.NCNNDir == "" {
		m.NCNNDir = d.Models.NCNNDir
	}
	if m.Names == nil && m.NamesFile == "" {
		m.Names = d.Models.Names
	}
	if m.Conf == 0 {
		m.Conf = d.Models.Conf
	}
	if m.Iou == 0 {
		m.Iou = d.Models.Iou
	}
	if m.InputSize == 0 {
		m.InputSize = d.Models.InputSize
	}
	if m.WarmupPasses == 0 {
		m.WarmupPasses = d.Models.WarmupPasses
	}
}

func (c *Config) Validate() error {
	if c.Models.Conf < 0 || c.Models.Conf > 1 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", c.Models.Conf)
	}
	if c.Models.Iou < 0 || c.Models.Iou > 1 {
		return fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", c.Models.Iou)
	}
	switch strings.ToLower(c.Models.Device) {
	case "", "cuda", "openvino", "ncnn":
	default:
		return fmt.Errorf("unsupported device %q", c.Models.Device)
	}
	if c.VideoWidth < 0 || c.VideoHeight < 0 {
		return fmt.Errorf("invalid video size %dx%d", c.VideoWidth, c.VideoHeight)
	}
	return nil
}

func applyEnv(c *Config) error {
	ints := map[string]*int{
		"HVAC_HTTP_PORT":      &c.HTTPPort,
		"HVAC_RPC_PORT":       &c.RPCPort,
		"HVAC_MONITOR_PORT":   &c.MonitorPort,
		"HVAC_CAMERA_DEVICE":  &c.CameraDevice,
		"HVAC_CAMERA_SECONDS": &c.CameraSeconds,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	strs := map[string]*string{
		"HVAC_LOG_MODE":     &c.LogMode,
		"HVAC_LOG_LEVEL":    &c.LogLevel,
		"HVAC_DEVICE":       &c.Models.Device,
		"HVAC_OUTPUT_DIR":   &c.OutputDir,
		"HVAC_UPLOAD_DIR":   &c.UploadDir,
		"HVAC_METRICS_PATH": &c.MetricsPath,
		"HVAC_REG_HOST":     &c.RegServerHost,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	return nil
}
