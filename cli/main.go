// Command hvacdet-cli runs the detector against the local camera or a local file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"HvacDetServer/config"
	"HvacDetServer/engine"
	"HvacDetServer/logger"
	"HvacDetServer/metrics"
	"HvacDetServer/pipeline"

	"github.com/charmbracelet/huh"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	dockerMarker = "/.dockerenv"
	cameraOutput = "output_camera.mp4"
	videoOutput  = "output_video.mp4"

	modeCamera = "camera"
	modeFile   = "file"
)

// session is what every command needs once the backend is up.
type session struct {
	cfg    *config.Config
	runner *pipeline.Runner
	store  *metrics.Store
}

func main() {
	var (
		sess    *session
		backend *engine.DNNBackend
	)
	app := &cli.App{
		Name:  "hvacdet-cli",
		Usage: "detect HVAC units on the local camera or in a local file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			mode, level := cfg.LogMode, cfg.LogLevel
			if c.Bool("debug") {
				mode, level = "development", "debug"
			}
			if err := logger.Init(mode, level); err != nil {
				return err
			}
			backend, err = engine.FromConfig(cfg.Models)
			if err != nil {
				return err
			}
			fmt.Printf("Backend active: %s\n", backend.Device())
			sess = &session{cfg: cfg, runner: pipeline.NewRunner(backend), store: metrics.NewStore(cfg.MetricsPath)}
			return nil
		},
		After: func(c *cli.Context) error {
			logger.Sync()
			if backend != nil {
				return backend.Close()
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return sess.interactive(c.Context, inDocker(dockerMarker))
		},
		Commands: []*cli.Command{
			{
				Name:  modeCamera,
				Usage: "run inference on the capture device for a fixed time",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "duration", Aliases: []string{"d"}, Value: 0, Usage: "seconds to record (default from config)"},
					&cli.IntFlag{Name: "device", Value: -1, Usage: "capture device index (default from config)"},
				},
				Action: func(c *cli.Context) error {
					device := sess.cfg.CameraDevice
					if c.Int("device") >= 0 {
						device = c.Int("device")
					}
					seconds := sess.cfg.CameraSeconds
					if c.Int("duration") > 0 {
						seconds = c.Int("duration")
					}
					return sess.runCamera(c.Context, device, seconds)
				},
			},
			{
				Name:      modeFile,
				Usage:     "run inference on an image or video file",
				ArgsUsage: "PATH",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("expected exactly one file path", 2)
					}
					return sess.runFile(c.Context, c.Args().First())
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Log().Error("hvacdet-cli failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func inDocker(marker string) bool {
	_, err := os.Stat(marker)
	return err == nil
}

var errNoFile = errors.New("no file selected")

// interactive asks for the mode and, for local files, the path.
// Inside a container there is no terminal to prompt on, so a path must be given instead.
func (s *session) interactive(ctx context.Context, headless bool) error {
	if headless {
		fmt.Println("Running inside Docker: interactive selection disabled.")
		fmt.Println("Pass a path with `hvacdet-cli file PATH` or use the API instead.")
		return errNoFile
	}

	mode := modeCamera
	if err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Choose inference mode").
			Options(
				huh.NewOption("Camera", modeCamera),
				huh.NewOption("Local file (image or video)", modeFile),
			).
			Value(&mode),
	)).Run(); err != nil {
		return err
	}
	if mode == modeCamera {
		return s.runCamera(ctx, s.cfg.CameraDevice, s.cfg.CameraSeconds)
	}

	var path string
	if err := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Choose a video or image").
			Placeholder("*.jpg *.jpeg *.png *.mp4 *.avi *.mov").
			Value(&path).
			Validate(validatePath),
	)).Run(); err != nil {
		return err
	}
	return s.runFile(ctx, path)
}

func validatePath(p string) error {
	if p == "" {
		return errNoFile
	}
	if pipeline.Classify(p) == pipeline.MediaUnsupported {
		return errors.New("unsupported file format")
	}
	if _, err := os.Stat(p); err != nil {
		return err
	}
	return nil
}

func (s *session) runCamera(ctx context.Context, device, seconds int) error {
	fmt.Printf("Starting camera inference for %d seconds... (Press Ctrl+C to stop early)\n", seconds)
	out := filepath.Join(s.cfg.OutputDir, cameraOutput)
	res, err := s.runner.RunCamera(ctx, device, out, pipeline.Options{
		FPS:         pipeline.DefaultFPS,
		MaxDuration: time.Duration(seconds) * time.Second,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Camera closed. Avg FPS: %.2f, Avg Inference: %.1f ms\n", res.AvgFPS, res.AvgInferenceMs)
	if res.Output != "" {
		fmt.Printf("Saved annotated video to: %s\n", res.Output)
	}
	return s.appendRecord(res.Record())
}

// runFile keeps the source geometry and frame rate for video.
func (s *session) runFile(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if pipeline.Classify(path) == pipeline.MediaImage {
		out := filepath.Join(s.cfg.OutputDir, "output_"+filepath.Base(path))
		res, err := s.runner.RunImage(ctx, path, out)
		if err != nil {
			return err
		}
		fmt.Printf("Done. %d detections in %.1f ms. Saved in: %s\n", len(res.Detections), res.InferenceMs, out)
		return s.appendRecord(res.Record())
	}

	out := filepath.Join(s.cfg.OutputDir, videoOutput)
	res, err := s.runner.RunVideo(ctx, path, out, pipeline.Options{})
	if err != nil {
		return err
	}
	fmt.Printf("Done. Average FPS: %.2f, Average Inference: %.1f ms.\n", res.AvgFPS, res.AvgInferenceMs)
	if res.Output != "" {
		fmt.Printf("Saved in: %s\n", res.Output)
	} else {
		fmt.Println("No frames decoded, no video written.")
	}
	return s.appendRecord(res.Record())
}

func (s *session) appendRecord(rec metrics.Record) error {
	if _, err := s.store.Append(rec); err != nil {
		return err
	}
	logger.Named("cli").Debug("Run recorded", zap.String("metrics", s.store.Path()), zap.String("mode", rec.Mode))
	return nil
}
