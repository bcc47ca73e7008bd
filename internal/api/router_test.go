package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/hub"
	"github.com/eleven-am/roomhub/internal/metrics"
)

func newTestRouter(t *testing.T, opts RouterOptions) (*httptest.Server, *hub.Hub) {
	t.Helper()

	h := hub.New(context.Background(), nil)
	t.Cleanup(func() { _ = h.Close() })

	srv := httptest.NewServer(NewRouter(zerolog.Nop(), hub.NewManager(h), opts))
	t.Cleanup(srv.Close)

	return srv, h
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv, _ := newTestRouter(t, RouterOptions{
			Checks: map[string]Check{"bus": func(context.Context) error { return nil }},
		})

		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}

		var body HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if body.Status != "healthy" {
			t.Errorf("expected healthy, got %s", body.Status)
		}
		if body.Checks["bus"].Status != "pass" {
			t.Errorf("expected bus check to pass, got %+v", body.Checks["bus"])
		}
		if body.Stats.Sessions != 0 {
			t.Errorf("expected no sessions, got %d", body.Stats.Sessions)
		}
	})

	t.Run("degraded", func(t *testing.T) {
		srv, _ := newTestRouter(t, RouterOptions{
			Checks: map[string]Check{"redis": func(context.Context) error { return errors.New("connection refused") }},
		})

		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", resp.StatusCode)
		}
	})
}

func TestHandshakeRejectedBeforeUpgrade(t *testing.T) {
	srv, h := newTestRouter(t, RouterOptions{})

	for _, path := range []string{"/ws", "/sse"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + path)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", resp.StatusCode)
			}

			var e hub.Error
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if e.Reason != hub.ReasonUnauthenticated {
				t.Errorf("expected %s, got %s", hub.ReasonUnauthenticated, e.Reason)
			}
			if h.Stats().Sessions != 0 {
				t.Errorf("expected no sessions after rejection, got %d", h.Stats().Sessions)
			}
		})
	}
}

func TestPushUnknownConnection(t *testing.T) {
	srv, _ := newTestRouter(t, RouterOptions{})

	resp, err := http.Post(srv.URL+"/sse/missing", "application/json", strings.NewReader(`{"event":"ping","requestId":"1"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)

	srv, _ := newTestRouter(t, RouterOptions{Collector: collector, Gatherer: reg})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `roomhub_http_requests_total{method="GET",path="/health",status="2xx"} 1`) {
		t.Errorf("expected health request to be counted, got:\n%s", body)
	}
}

func TestServerLifecycle(t *testing.T) {
	h := hub.New(context.Background(), nil)
	router := NewRouter(zerolog.Nop(), hub.NewManager(h), RouterOptions{})

	s := NewServer(h, router, ServerOptions{Addr: "127.0.0.1:0", Logger: zerolog.Nop()})

	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("expected second start to fail")
	}
	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.IsRunning() {
		t.Error("expected server to stop")
	}
	if err := s.Stop(time.Second); err != nil {
		t.Errorf("expected stopping a stopped server to be a no-op, got %v", err)
	}
}
