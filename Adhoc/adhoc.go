package Adhoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"HvacDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Device    string `json:"device"`
	TimeStamp int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Heartbeat announces this instance and its inference device to a registry server.
type Heartbeat struct {
	id       string
	ip       string
	port     int
	device   string
	reg      RegServerConfig
	interval time.Duration
	client   *resty.Client
	log      *zap.Logger
}

func NewHeartbeat(reg RegServerConfig, ip string, port int, device string) *Heartbeat {
	return &Heartbeat{
		id:       uuid.NewString(),
		ip:       ip,
		port:     port,
		device:   device,
		reg:      reg,
		interval: TimeOutSeconds * time.Second,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:      logger.Named("adhoc"),
	}
}

func (h *Heartbeat) ID() string {
	return h.id
}

// Announce sends one registration. Transport and HTTP status errors are returned.
func (h *Heartbeat) Announce(ctx context.Context) (RegisterResponse, error) {
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(RegisterRequest{
			Id:        h.id,
			IP:        h.ip,
			Port:      h.port,
			Device:    h.device,
			TimeStamp: time.Now().Unix(),
		}).
		SetResult(&respBody).
		Post(h.reg.URL())
	if err != nil {
		return respBody, fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return respBody, fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	return respBody, nil
}

// SendAliveMessage announces immediately and then every interval until ctx is done.
// Failures are logged and the loop carries on.
func (h *Heartbeat) SendAliveMessage(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		if _, err := h.Announce(ctx); err != nil && ctx.Err() == nil {
			h.log.Error("Heartbeat failed", zap.String("url", h.reg.URL()), zap.Error(err))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
