// Package server exposes the detector over HTTP and WebSocket.
package server

import (
	"net/http"
	"time"

	"HvacDetServer/config"
	"HvacDetServer/logger"
	"HvacDetServer/metrics"
	"HvacDetServer/monitor"
	"HvacDetServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	cameraOutput = "output_camera.mp4"
	outputPrefix = "output_"
	wsReadLimit  = 20 * 1024 * 1024
	wsIdle       = 60 * time.Second
)

type Server struct {
	cfg      config.Config
	runner   *pipeline.Runner
	store    *metrics.Store
	mon      *monitor.Monitor
	upgrader websocket.Upgrader
}

// New wires handlers around the shared runner. mon may be nil.
func New(cfg config.Config, runner *pipeline.Runner, store *metrics.Store, mon *monitor.Monitor) *Server {
	return &Server{
		cfg:    cfg,
		runner: runner,
		store:  store,
		mon:    mon,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	r.GET("/", s.root)
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.POST("/predict/file", s.predictFile)
	r.GET("/predict/camera", s.predictCamera)
	r.GET("/download/:filename", s.download)
	r.GET("/ws/predict", s.wsPredict)
	return r
}

// observe logs every request and counts it by route template.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if s.mon != nil {
			s.mon.ObserveRequest(route, status)
		}
		logger.Log().Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "HVAC Detector API running successfully",
		"backend": s.runner.Device(),
		"available_endpoints": gin.H{
			"POST /predict/file":       "Upload an image or video for detection",
			"GET /predict/camera":      "Capture from webcam (server-side)",
			"GET /download/{filename}": "Download processed results",
			"GET /ws/predict":          "Stream base64 images over WebSocket",
		},
	})
}
