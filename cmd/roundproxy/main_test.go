package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/roundproxy/internal/config"
	"github.com/bardlex/roundproxy/pkg/log"
)

// fakeWallet answers getMiningInfo like a pool or wallet would.
func fakeWallet(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("requestType") {
		case "getMiningInfo":
			_, _ = w.Write([]byte(`{"height":"1000","baseTarget":"70000","generationSignature":"abcd","targetDeadline":86400}`))
		case "submitNonce":
			_, _ = w.Write([]byte(`{"result":"success","deadline":50}`))
		default:
			http.Error(w, "unsupported", http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	proxies, err := config.ParseProxies([]byte(`
proxies:
  - name: burst
    upstreams:
      - name: wallet
        url: `+upstreamURL+`
        updateMiningInfoInterval: 1
`), ".yaml")
	if err != nil {
		t.Fatalf("ParseProxies() error = %v", err)
	}

	return &config.Config{
		ServiceName:     "test-roundproxy",
		Version:         "test",
		ListenAddr:      "127.0.0.1",
		ListenPort:      0,
		DatabaseDriver:  "memory",
		EventEncoding:   "json",
		MinerStaleAfter: time.Hour,
		MinerPruneEvery: time.Minute,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "error",
		LogFormat:       "json",
		Proxies:         proxies,
	}
}

func TestNewApp(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	app, err := NewApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	if len(app.proxies) != 1 || app.proxies[0].Name() != "burst" {
		t.Errorf("proxies = %v", app.proxies)
	}
	if app.kafka != nil {
		t.Error("kafka sink should be disabled without brokers")
	}
	if app.db.Redis != nil || app.db.Influx != nil {
		t.Error("optional sinks should be disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewApp_InvalidUpstream(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Proxies[0].Upstreams[0].Type = "bogus"

	if _, err := NewApp(context.Background(), cfg, log.Nop()); err == nil {
		t.Fatal("expected error for unknown upstream type")
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end test in short mode")
	}

	wallet := fakeWallet(t)
	cfg := testConfig(t, wallet.URL)

	app, err := NewApp(context.Background(), cfg, log.Nop())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for app.proxies[0].GetMiningInfo() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no round activated")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w := httptest.NewRecorder()
	app.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/burst/burst?requestType=getMiningInfo", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"height":1000`) {
		t.Errorf("getMiningInfo = %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/burst/burst?requestType=submitNonce&accountId=1&nonce=2&blockheight=1000&deadline=7000000", nil)
	app.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"result":"success"`) {
		t.Errorf("submitNonce = %d %s", w.Code, w.Body.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Run did not return")
	}
}
