// Package e2e exercises the wiring a real syrah process performs: client
// traffic through the accept loop and pipeline, flows landing in the
// session, and the command surface reading them back out.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/syrahproxy/syrah/internal/breakpoint"
	"github.com/syrahproxy/syrah/internal/ca"
	"github.com/syrahproxy/syrah/internal/config"
	"github.com/syrahproxy/syrah/internal/connhandler"
	"github.com/syrahproxy/syrah/internal/eventbus"
	"github.com/syrahproxy/syrah/internal/flow"
	"github.com/syrahproxy/syrah/internal/metrics"
	"github.com/syrahproxy/syrah/internal/pipeline"
	"github.com/syrahproxy/syrah/internal/proxy"
	"github.com/syrahproxy/syrah/internal/redact"
	"github.com/syrahproxy/syrah/internal/store"

	"github.com/syrahproxy/syrah/internal/api"
)

// TestE2E_PlainHTTPThroughProxy drives a real upstream server, a real
// accept-loop listener, and a real HTTP client through the full request
// path: client -> proxy.Controller -> connhandler -> pipeline -> upstream,
// then checks the resulting flow is visible through the command surface.
func TestE2E_PlainHTTPThroughProxy(t *testing.T) {
	tempDir := t.TempDir()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "syrah-e2e")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	authority, err := ca.LoadOrCreate(filepath.Join(tempDir, "key.pem"), filepath.Join(tempDir, "cert.pem"))
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	certCache := ca.NewCache(authority, 100, time.Hour)

	session := flow.NewSession("e2e", "e2e", 100)
	bus := eventbus.New(nil)
	coordinator := breakpoint.New()
	metricsCollector := metrics.NewCollector(config.MetricsConfig{})
	pl := pipeline.New(session, bus, coordinator, nil, pipeline.Config{
		MaxConnectionsPerKey: 10,
		ConnectTimeout:       5 * time.Second,
		Metrics:              metricsCollector,
	})

	factory := func(cfg *config.ProxyConfig) *connhandler.Handler {
		return connhandler.New(cfg, certCache, pl, nil, metricsCollector)
	}
	proxyCtl := proxy.New(factory, nil, nil)
	if err := proxyCtl.Start(proxy.StartOptions{Port: 0, BindAddress: "127.0.0.1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer proxyCtl.Stop(context.Background())

	proxyURL, err := url.Parse("http://" + proxyCtl.Status().Address)
	if err != nil {
		t.Fatalf("parsing proxy address: %v", err)
	}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	resp, err := client.Get(upstream.URL + "/v1/things")
	if err != nil {
		t.Fatalf("GET through proxy failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Upstream") != "syrah-e2e" {
		t.Errorf("missing upstream header, got headers: %v", resp.Header)
	}

	deadline := time.Now().Add(2 * time.Second)
	var flows []*flow.Flow
	for time.Now().Before(deadline) {
		flows = session.Flows()
		if len(flows) == 1 && flows[0].Response != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(flows) != 1 {
		t.Fatalf("session flows = %d, want 1", len(flows))
	}
	if flows[0].Response.StatusCode != http.StatusOK {
		t.Errorf("recorded flow status = %d, want 200", flows[0].Response.StatusCode)
	}

	dataStore, err := store.Open(filepath.Join(tempDir, "syrah.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer dataStore.Close()
	cfg := config.DefaultConfig()
	cfg.Auth.Token = "e2e-token"
	redactor := redact.New(&cfg.Redaction)

	apiServer := api.NewServer(api.Deps{
		Config:      cfg,
		Authority:   authority,
		Session:     session,
		Breakpoints: coordinator,
		ProxyCtl:    proxyCtl,
		Throttle:    pl,
		Store:       dataStore,
		Redactor:    redactor,
	})

	harReq := httptest.NewRequest(http.MethodPost, "/rpc/export_har", nil)
	harReq.Header.Set("Authorization", "Bearer e2e-token")
	harRec := httptest.NewRecorder()
	apiServer.Handler().ServeHTTP(harRec, harReq)
	if harRec.Code != http.StatusOK {
		t.Fatalf("export_har status = %d, body=%s", harRec.Code, harRec.Body.String())
	}
	var doc struct {
		Log struct {
			Entries []json.RawMessage `json:"entries"`
		} `json:"log"`
	}
	if err := json.Unmarshal(harRec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshaling HAR: %v", err)
	}
	if len(doc.Log.Entries) != 1 {
		t.Fatalf("HAR entries = %d, want 1", len(doc.Log.Entries))
	}
}
