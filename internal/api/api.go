// Package api exposes the §6 command surface as an HTTP/JSON RPC: one POST
// route per command (initialize, start_proxy, stop_proxy, get_status,
// export_root_certificate, set_rules, pause_flow/resume_flow/abort_flow,
// set_throttling, clear_flows, export_har). The flows/status event surface
// is served separately by internal/eventbus's WSHandler; this package only
// owns the request/response command pairs.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/syrahproxy/syrah/internal/breakpoint"
	"github.com/syrahproxy/syrah/internal/ca"
	"github.com/syrahproxy/syrah/internal/config"
	"github.com/syrahproxy/syrah/internal/eventbus"
	"github.com/syrahproxy/syrah/internal/flow"
	"github.com/syrahproxy/syrah/internal/proxy"
	"github.com/syrahproxy/syrah/internal/redact"
	"github.com/syrahproxy/syrah/internal/store"
	"github.com/syrahproxy/syrah/internal/throttle"
)

// ThrottleSetter is the one method of pipeline.Pipeline that set_throttling
// needs, kept as an interface so this package never imports
// internal/pipeline (and with it, the full connection-handling stack)
// directly.
type ThrottleSetter interface {
	SetThrottle(s throttle.Settings)
}

// Server implements the command surface described in §6.
type Server struct {
	cfg         *config.Config
	authority   *ca.CA
	session     *flow.Session
	breakpoints *breakpoint.Coordinator
	proxyCtl    *proxy.Controller
	throttle    ThrottleSetter
	dataStore   *store.SQLiteStore
	redactor    *redact.Redactor
	bus         *eventbus.Bus
	logger      *slog.Logger
	mux         *http.ServeMux
	rateLimiter *RateLimiter
	startedAt   time.Time
}

// Deps bundles the collaborators NewServer wires into route handlers.
type Deps struct {
	Config      *config.Config
	Authority   *ca.CA
	Session     *flow.Session
	Breakpoints *breakpoint.Coordinator
	ProxyCtl    *proxy.Controller
	Throttle    ThrottleSetter
	Store       *store.SQLiteStore
	Redactor    *redact.Redactor
	Bus         *eventbus.Bus
	Logger      *slog.Logger
}

// NewServer builds the RPC server and registers every §6 command route.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         d.Config,
		authority:   d.Authority,
		session:     d.Session,
		breakpoints: d.Breakpoints,
		proxyCtl:    d.ProxyCtl,
		throttle:    d.Throttle,
		dataStore:   d.Store,
		redactor:    d.Redactor,
		bus:         d.Bus,
		logger:      logger.With("component", "api"),
		mux:         http.NewServeMux(),
		rateLimiter: NewRateLimiter(20, 100),
		startedAt:   time.Now(),
	}

	s.mux.HandleFunc("POST /rpc/initialize", s.authMiddleware(s.handleInitialize))
	s.mux.HandleFunc("POST /rpc/start_proxy", s.authMiddleware(s.handleStartProxy))
	s.mux.HandleFunc("POST /rpc/stop_proxy", s.authMiddleware(s.handleStopProxy))
	s.mux.HandleFunc("POST /rpc/get_status", s.authMiddleware(s.handleGetStatus))
	s.mux.HandleFunc("POST /rpc/export_root_certificate", s.authMiddleware(s.handleExportRootCertificate))
	s.mux.HandleFunc("POST /rpc/set_rules", s.authMiddleware(s.handleSetRules))
	s.mux.HandleFunc("POST /rpc/pause_flow", s.authMiddleware(s.handlePauseFlow))
	s.mux.HandleFunc("POST /rpc/resume_flow", s.authMiddleware(s.handleResumeFlow))
	s.mux.HandleFunc("POST /rpc/abort_flow", s.authMiddleware(s.handleAbortFlow))
	s.mux.HandleFunc("POST /rpc/set_throttling", s.authMiddleware(s.handleSetThrottling))
	s.mux.HandleFunc("POST /rpc/clear_flows", s.authMiddleware(s.handleClearFlows))
	s.mux.HandleFunc("POST /rpc/export_har", s.authMiddleware(s.handleExportHAR))
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s
}

// Handler returns the full middleware-wrapped HTTP handler: CORS -> rate
// limit -> routes, mirroring the teacher's chain.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.rateLimiter.Middleware(s.mux))
}

// authMiddleware wraps a handler with constant-time bearer auth, rejecting
// tokens passed as a URL query parameter since those get logged by
// intermediate proxies and browser history.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "" {
			s.logger.Warn("rejected token in URL", "path", r.URL.Path)
			http.Error(w, "token in URL is not allowed; use the Authorization header", http.StatusBadRequest)
			return
		}

		auth := r.Header.Get("Authorization")
		expected := "Bearer " + s.cfg.Auth.Token
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// corsMiddleware allows only localhost origins, matching the front-end's
// local-only deployment model.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "uptime_s": int(time.Since(s.startedAt).Seconds())})
}

// handleInitialize boots the CA (already loaded/created at process start by
// the caller) and reports readiness; there is nothing further to bootstrap
// lazily since config and CA loading are startup-time concerns in
// cmd/syrah.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if s.authority == nil {
		s.writeError(w, http.StatusInternalServerError, "certificate authority not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type startProxyRequest struct {
	Port        int      `json:"port"`
	BindAddress string   `json:"bind_address"`
	EnableSSL   bool     `json:"enable_ssl"`
	BypassHosts []string `json:"bypass_hosts"`
}

func (s *Server) handleStartProxy(w http.ResponseWriter, r *http.Request) {
	var req startProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Port == 0 {
		req.Port = s.cfg.Proxy.Port
	}
	if req.BindAddress == "" {
		req.BindAddress = s.cfg.Proxy.BindAddress
	}

	if err := s.proxyCtl.Start(proxy.StartOptions{
		Port:        req.Port,
		BindAddress: req.BindAddress,
		EnableSSL:   req.EnableSSL,
		BypassHosts: req.BypassHosts,
	}); err != nil {
		s.session.Transition(flow.SessionError)
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.session.Transition(flow.SessionRunning)
	s.writeJSON(w, http.StatusOK, s.proxyCtl.Status())
}

// handleStopProxy stops the listener and aborts every paused flow, since
// cancelling the controlling connection is equivalent to {abort} per §4.J.
func (s *Server) handleStopProxy(w http.ResponseWriter, r *http.Request) {
	if err := s.proxyCtl.Stop(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.breakpoints.AbortAll()
	s.session.Transition(flow.SessionStopped)
	s.writeJSON(w, http.StatusOK, s.proxyCtl.Status())
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.proxyCtl.Status())
}

type exportCertRequest struct {
	Format string `json:"format"`
}

func (s *Server) handleExportRootCertificate(w http.ResponseWriter, r *http.Request) {
	var req exportCertRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Format == "" {
		req.Format = "pem"
	}

	data, err := s.authority.ExportRoot(ca.Format(req.Format))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleSetRules(w http.ResponseWriter, r *http.Request) {
	var rules []*flow.Rule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rule list")
		return
	}

	s.session.SetRules(rules)
	if s.dataStore != nil {
		if err := s.dataStore.SaveRules(r.Context(), rules); err != nil {
			s.logger.Error("persisting rules failed", "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"count": len(rules)})
}

type flowIDRequest struct {
	FlowID string `json:"flow_id"`
}

// handlePauseFlow is a status check, not an action: the coordinator can
// only resolve a flow that is already paused by a matching Breakpoint
// rule, it has no hook to suspend a flow mid-flight externally. See
// DESIGN.md for the Open Question this resolves.
func (s *Server) handlePauseFlow(w http.ResponseWriter, r *http.Request) {
	var req flowIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.breakpoints.IsPaused(req.FlowID) {
		s.writeError(w, http.StatusConflict, "flow is not paused; flows only pause by matching a breakpoint rule")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

type patchRequest struct {
	FlowID string       `json:"flow_id"`
	Patch  *patchFields `json:"patch"`
}

type patchFields struct {
	Method  *string           `json:"method"`
	URL     *string           `json:"url"`
	Status  *int              `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

func (p *patchFields) toBreakpointPatch() *breakpoint.Patch {
	if p == nil {
		return nil
	}
	bp := &breakpoint.Patch{URL: p.URL, Status: p.Status, Headers: p.Headers, Body: p.Body}
	if p.Method != nil {
		m := flow.Method(*p.Method)
		bp.Method = &m
	}
	return bp
}

func (s *Server) handleResumeFlow(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ok := s.breakpoints.Resume(req.FlowID, breakpoint.Resolution{Patch: req.Patch.toBreakpointPatch()})
	if !ok {
		s.writeError(w, http.StatusNotFound, "flow is not currently paused")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

func (s *Server) handleAbortFlow(w http.ResponseWriter, r *http.Request) {
	var req flowIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ok := s.breakpoints.Abort(req.FlowID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "flow is not currently paused")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

type setThrottlingRequest struct {
	DownloadBps int64   `json:"download_bps"`
	UploadBps   int64   `json:"upload_bps"`
	LatencyMs   int64   `json:"latency_ms"`
	LossPct     float64 `json:"loss_pct"`
}

func (s *Server) handleSetThrottling(w http.ResponseWriter, r *http.Request) {
	var req setThrottlingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.throttle.SetThrottle(throttle.Settings{
		DownloadBps: req.DownloadBps,
		UploadBps:   req.UploadBps,
		LatencyMs:   req.LatencyMs,
		LossPct:     req.LossPct,
	})
	s.writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleClearFlows(w http.ResponseWriter, r *http.Request) {
	s.session.Clear()
	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleExportHAR(w http.ResponseWriter, r *http.Request) {
	flows := s.session.Flows()
	doc, err := BuildHAR(flows, s.redactor)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.dataStore != nil {
		if _, err := s.dataStore.SaveHARExport(r.Context(), doc, len(flows)); err != nil {
			s.logger.Error("archiving HAR export failed", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="session.har"`)
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

