package Adhoc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regFor(t *testing.T, srv *httptest.Server) RegServerConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	var reg RegServerConfig
	reg.SetAddress(host, p)
	return reg
}

func TestAnnounce(t *testing.T) {
	var got RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RegisterResponse{Id: got.Id, Success: true})
	}))
	defer srv.Close()

	h := NewHeartbeat(regFor(t, srv), "10.0.0.7", 8000, "OpenVINO")
	resp, err := h.Announce(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, h.ID(), resp.Id)
	assert.Equal(t, "OpenVINO", got.Device)
	assert.Equal(t, 8000, got.Port)
	assert.NotZero(t, got.TimeStamp)
}

func TestAnnounceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "registry down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHeartbeat(regFor(t, srv), "127.0.0.1", 8000, "CUDA").Announce(context.Background())
	assert.Error(t, err)
}

func TestSendAliveMessageStopsOnCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHeartbeat(regFor(t, srv), "127.0.0.1", 8000, "NCNN-CPU")
	h.interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go h.SendAliveMessage(ctx, &wg)

	assert.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}
