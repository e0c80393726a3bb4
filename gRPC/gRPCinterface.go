package proto

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"time"

	iface "HvacDetServer/interface"
	"HvacDetServer/logger"
	"HvacDetServer/monitor"
	"HvacDetServer/pipeline"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type jobResult struct {
	dets    []iface.Detection
	latency time.Duration
	err     error
}

type JobPackage struct {
	image  []byte
	Result chan jobResult
}

// Server answers hvacdet.Detect calls. Detections are computed by a fixed set of
// workers, each pinned to its OS thread, fed from one job queue.
type Server struct {
	runner   *pipeline.Runner
	mon      *monitor.Monitor
	JobQueue chan JobPackage
}

func NewServer(runner *pipeline.Runner, mon *monitor.Monitor, queueSize int) *Server {
	return &Server{
		runner:   runner,
		mon:      mon,
		JobQueue: make(chan JobPackage, queueSize),
	}
}

func (s *Server) StartWorker(workerNum int) {
	for i := 0; i < workerNum; i++ {
		go s.runWorker(i)
	}
}

func (s *Server) runWorker(workerID int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("Worker panic, restarting in 1s", zap.Int("worker", workerID), zap.Any("panic", r))
			time.Sleep(1 * time.Second)
			go s.runWorker(workerID)
		}
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Debug("Worker created", zap.Int("worker", workerID))
	for job := range s.JobQueue {
		job.Result <- s.safeProcess(workerID, job.image)
	}
}

// safeProcess turns a panic in inference into an error for the waiting caller.
func (s *Server) safeProcess(workerID int, b []byte) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Named("grpc").Error("Inference panic", zap.Int("worker", workerID), zap.Any("panic", r))
			res = jobResult{err: fmt.Errorf("worker %d: inference panic: %v", workerID, r)}
		}
	}()
	return s.process(b)
}

func (s *Server) process(b []byte) jobResult {
	img, err := pipeline.DecodeImage(b)
	defer img.Close()
	if err != nil {
		return jobResult{err: err}
	}
	dets, d, err := s.runner.Detect(img)
	return jobResult{dets: dets, latency: d, err: err}
}

// Stop closes the job queue; workers exit once it drains.
func (s *Server) Stop() {
	close(s.JobQueue)
}

func (s *Server) count() {
	if s.mon != nil {
		s.mon.GRPCTotal.Inc()
	}
}

func (s *Server) Info(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.count()
	cfg := s.runner.Backend().CheckConfig()
	names := make([]any, len(cfg.Names))
	for i, n := range cfg.Names {
		names[i] = n
	}
	return structpb.NewStruct(map[string]any{
		"device":     s.runner.Device(),
		"model":      cfg.ModelPath,
		"names":      names,
		"confidence": float64(cfg.Conf),
		"iou":        float64(cfg.Iou),
		"input_size": cfg.InputSize,
	})
}

func (s *Server) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	s.count()
	if len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image is empty")
	}
	result := make(chan jobResult, 1)
	select {
	case s.JobQueue <- JobPackage{image: req.GetValue(), Result: result}:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	var res jobResult
	select {
	case res = <-result:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	if errors.Is(res.err, pipeline.ErrInvalidImage) {
		return nil, status.Error(codes.InvalidArgument, res.err.Error())
	}
	if res.err != nil {
		logger.Named("grpc").Error("gRPC inference failed", zap.Error(res.err))
		return nil, status.Error(codes.Internal, res.err.Error())
	}
	return detectionStruct(s.runner.Device(), res.dets, res.latency)
}

func detectionStruct(device string, dets []iface.Detection, latency time.Duration) (*structpb.Struct, error) {
	list := make([]any, 0, len(dets))
	for _, p := range iface.Payloads(dets) {
		list = append(list, map[string]any{
			"class":      p.Class,
			"confidence": p.Confidence,
			"box":        []any{p.Box[0], p.Box[1], p.Box[2], p.Box[3]},
		})
	}
	return structpb.NewStruct(map[string]any{
		"device":            device,
		"inference_time_ms": float64(latency.Microseconds()) / 1000,
		"detections":        list,
	})
}

// StartGRPCServer listens on port and serves in the background.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s := grpc.NewServer()
	RegisterDetectServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("Failed to serve gRPC server", zap.Error(err))
		}
	}()
	return s, nil
}
