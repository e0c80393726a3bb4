package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "HvacDetServer/Adhoc"
	"HvacDetServer/config"
	"HvacDetServer/engine"
	backend "HvacDetServer/gRPC"
	"HvacDetServer/logger"
	"HvacDetServer/metrics"
	"HvacDetServer/monitor"
	"HvacDetServer/pipeline"
	"HvacDetServer/server"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// GetOutboundIP returns the local address used for the default route.
// UDP dial sends nothing, so this works without network access as long as a route exists.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func main() {
	if err := newApp(run).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "hvacdet:", err)
		os.Exit(1)
	}
}

func newApp(serve func(cfgPath string) error) *cli.App {
	return &cli.App{
		Name:  "hvacdet",
		Usage: "serve HVAC detections over HTTP, WebSocket and gRPC",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Load configuration from `FILE`",
			},
		},
		Action: func(c *cli.Context) error {
			return serve(c.String("config"))
		},
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogMode, cfg.LogLevel); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	runtime.GOMAXPROCS(CPUNum)
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println(" HTTP  Port:", cfg.HTTPPort)
	fmt.Println(" gRPC  Port:", cfg.RPCPort)
	fmt.Println(" Monitor Port:", cfg.MonitorPort)
	fmt.Println("Configured Workers Num:", cfg.WorkersNum)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.WorkersNum > CPUNum {
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("Please note that workersNum exceeds CPU cores, which may lead to performance degradation.")
		fmt.Println(strings.Repeat("!", 64))
	}

	det, err := engine.FromConfig(cfg.Models)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer det.Close()
	fmt.Printf("Backend active: %s\n", det.Device())
	log.Info("Model loaded", zap.Stringer("variant", det.Variant()))

	mon := monitor.New(det.Device())
	runner := pipeline.NewRunner(det, pipeline.WithObserver(mon))
	store := metrics.NewStore(cfg.MetricsPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.StartMon(ctx, cfg.MonitorPort); err != nil {
			log.Error("Monitor stopped", zap.Error(err))
		}
	}()

	rpc := backend.NewServer(runner, mon, cfg.WorkersNum)
	rpc.StartWorker(cfg.WorkersNum)
	fmt.Println("Starting gRPC Server")
	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		rpc.Stop()
		stop()
		wg.Wait()
		return err
	}

	if cfg.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			log.Warn("Failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			fmt.Println("Outbound IP:", ip)
			reg := adhoc.RegServerConfig{}
			reg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
			hb := adhoc.NewHeartbeat(reg, ip, cfg.RPCPort, det.Device())
			wg.Add(1)
			go hb.SendAliveMessage(ctx, &wg)
		}
	} else {
		fmt.Println("UseRegServer is set to false, skipping registration")
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           server.New(*cfg, runner, store, mon).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if e := httpServer.Shutdown(shutdownCtx); e != nil {
		log.Warn("HTTP shutdown", zap.Error(e))
	}
	grpcServer.GracefulStop()
	rpc.Stop()
	fmt.Println("Done")
	wg.Wait()
	fmt.Println("Safely exited")
	return err
}
