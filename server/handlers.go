package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	iface "HvacDetServer/interface"
	"HvacDetServer/logger"
	"HvacDetServer/metrics"
	"HvacDetServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *Server) predictFile(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	name := filepath.Base(file.Filename)
	kind := pipeline.Classify(name)
	if kind == pipeline.MediaUnsupported {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported file format"})
		return
	}

	in := filepath.Join(s.cfg.UploadDir, name)
	if err := c.SaveUploadedFile(file, in); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file: " + err.Error()})
		return
	}
	logger.Log().Info("File received", zap.String("filename", name), zap.Stringer("kind", kind))
	out := filepath.Join(s.cfg.OutputDir, outputPrefix+name)

	if kind == pipeline.MediaImage {
		s.predictImage(c, name, in, out)
		return
	}
	s.predictVideo(c, name, in, out)
}

func (s *Server) predictImage(c *gin.Context, name, in, out string) {
	res, err := s.runner.RunImage(c.Request.Context(), in, out)
	if errors.Is(err, pipeline.ErrInvalidImage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image format"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.store.Append(res.Record()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"filename":          name,
		"type":              "image",
		"device":            res.Device,
		"inference_time_ms": metrics.Round2(res.InferenceMs),
		"detections":        iface.Payloads(res.Detections),
		"output_file":       filepath.Base(out),
	})
}

func (s *Server) predictVideo(c *gin.Context, name, in, out string) {
	res, err := s.runner.RunVideo(c.Request.Context(), in, out, pipeline.Options{
		Width:  s.cfg.VideoWidth,
		Height: s.cfg.VideoHeight,
		FPS:    s.cfg.VideoFPS,
	})
	if errors.Is(err, pipeline.ErrOpenSource) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid video format"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.store.Append(res.Record()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"filename":              name,
		"type":                  "video",
		"frames_processed":      res.Frames,
		"device":                res.Device,
		"avg_fps":               metrics.Round2(res.AvgFPS),
		"avg_inference_time_ms": metrics.Round2(res.AvgInferenceMs),
		"output_video":          outputName(res.Output),
	})
}

func (s *Server) predictCamera(c *gin.Context) {
	duration := s.cfg.CameraSeconds
	if q, ok := c.GetQuery("duration"); ok {
		d, err := strconv.Atoi(q)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid duration"})
			return
		}
		duration = d
	}

	out := filepath.Join(s.cfg.OutputDir, cameraOutput)
	logger.Log().Info("Starting camera capture", zap.Int("device", s.cfg.CameraDevice), zap.Int("seconds", duration))
	res, err := s.runner.RunCamera(c.Request.Context(), s.cfg.CameraDevice, out, pipeline.Options{
		FPS:         pipeline.DefaultFPS,
		MaxDuration: time.Duration(duration) * time.Second,
	})
	if errors.Is(err, pipeline.ErrCaptureOpen) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Couldn't open camera"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.store.Append(res.Record()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":         metrics.ModeCamera,
		"device":       res.Device,
		"duration_s":   duration,
		"output_video": outputName(res.Output),
	})
}

// outputName is null when the run wrote nothing, so a stale file of the same name
// is never reported as this run's output.
func outputName(path string) any {
	if path == "" {
		return nil
	}
	return filepath.Base(path)
}

func (s *Server) download(c *gin.Context) {
	name := c.Param("filename")
	base := filepath.Base(name)
	if base != name || base == "." || base == ".." {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	path := filepath.Join(s.cfg.OutputDir, base)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.Header("Content-Type", "application/octet-stream")
	c.FileAttachment(path, base)
}

// wsPredict answers each image message with its detections. Text frames carry
// base64 (optionally a data URL); binary frames carry the encoded image as is.
func (s *Server) wsPredict(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdle))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Log().Debug("WebSocket closed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := conn.WriteJSON(s.detectMessage(msg)); err != nil {
			return
		}
	}
}

func (s *Server) detectMessage(msg []byte) gin.H {
	mat, err := pipeline.DecodeImage(msg)
	defer mat.Close()
	if err != nil {
		return gin.H{"error": "Invalid image format"}
	}
	dets, d, err := s.runner.Detect(mat)
	if err != nil {
		logger.Log().Error("WebSocket inference failed", zap.Error(err))
		return gin.H{"error": err.Error()}
	}
	return gin.H{
		"device":            s.runner.Device(),
		"inference_time_ms": metrics.Round2(float64(d.Microseconds()) / 1000),
		"detections":        iface.Payloads(dets),
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	logger.Log().Error("Request failed", zap.String("route", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
