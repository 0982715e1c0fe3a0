// Package pipeline implements the per-request flow pipeline of §4.H: rule
// evaluation, upstream dialing and pooling, throttling, response framing,
// and event-bus publication, grounded in the teacher's handleTLSRequest
// (internal/proxy/mitm.go) and its task assignment shape
// (internal/task/assignment.go), generalized from LLM-traffic capture to a
// rule-driven debugging proxy.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/syrahproxy/syrah/internal/breakpoint"
	"github.com/syrahproxy/syrah/internal/eventbus"
	"github.com/syrahproxy/syrah/internal/flow"
	"github.com/syrahproxy/syrah/internal/httpcodec"
	"github.com/syrahproxy/syrah/internal/metrics"
	"github.com/syrahproxy/syrah/internal/rulematch"
	"github.com/syrahproxy/syrah/internal/throttle"
	"github.com/syrahproxy/syrah/internal/tracing"
)

// Pipeline wires the session, event bus, breakpoint coordinator, and
// upstream connection pool together to process parsed requests. No package
// global state: every dependency is constructor-injected, per §9 ("no
// hidden globals").
type Pipeline struct {
	Session     *flow.Session
	Bus         *eventbus.Bus
	Breakpoints *breakpoint.Coordinator
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	Tracer      *tracing.Tracer

	pool           *upstreamPool
	connectTimeout time.Duration
	readTimeout    time.Duration
	decompress     bool

	throttleSettings atomic.Pointer[throttle.Settings]
}

// Config bundles the tunables New needs beyond the shared runtime handles.
type Config struct {
	MaxConnectionsPerKey int
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration // idle timeout for a streaming (e.g. SSE) relay; 0 defaults to 60s
	DecompressResponses  bool          // §4.F: decode gzip/deflate/br bodies into body_bytes
	InitialThrottle      throttle.Settings
	Metrics              *metrics.Collector // nil disables metrics recording
	Tracer               *tracing.Tracer    // nil gets a disabled no-op tracer
}

// New builds a Pipeline. session/bus/breakpoints are shared, long-lived
// handles; a fresh Pipeline is cheap and typically one per running proxy
// session.
func New(session *flow.Session, bus *eventbus.Bus, breakpoints *breakpoint.Coordinator, logger *slog.Logger, cfg Config) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Noop()
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	p := &Pipeline{
		Session:        session,
		Bus:            bus,
		Breakpoints:    breakpoints,
		Logger:         logger,
		Metrics:        cfg.Metrics,
		Tracer:         cfg.Tracer,
		pool:           newUpstreamPool(cfg.MaxConnectionsPerKey, cfg.ConnectTimeout),
		connectTimeout: cfg.ConnectTimeout,
		readTimeout:    readTimeout,
		decompress:     cfg.DecompressResponses,
	}
	p.throttleSettings.Store(&cfg.InitialThrottle)
	cfg.Metrics.SetThrottle(cfg.InitialThrottle)
	return p
}

// SetThrottle atomically swaps the settings every subsequently created
// flow's shaper will use, per the set_throttling command (§6). In-flight
// flows keep the shaper they were given at dial time.
func (p *Pipeline) SetThrottle(s throttle.Settings) {
	p.throttleSettings.Store(&s)
	p.Metrics.SetThrottle(s)
}

// HandleRequest runs one request through the full §4.H pipeline and writes
// the (possibly rule-synthesized) response to clientConn. It returns the
// finalized flow and whether the connection should stay open for another
// request per the keep-alive rules in §4.G. Upstream connections are drawn
// from the shared pool keyed on (scheme, host, port).
func (p *Pipeline) HandleRequest(ctx context.Context, req *flow.Request, protocol flow.Protocol, connectionID string, clientConn net.Conn) (*flow.Flow, bool) {
	return p.handle(ctx, req, protocol, connectionID, clientConn, nil)
}

// HandleTunneledRequest is HandleRequest's TLS_MITM counterpart: upstream is
// the single TLS connection dialed once for the CONNECT tunnel and reused
// across every request the client sends over it, so it bypasses the
// upstream pool entirely rather than being acquired/released per request.
func (p *Pipeline) HandleTunneledRequest(ctx context.Context, req *flow.Request, protocol flow.Protocol, connectionID string, clientConn, upstream net.Conn) (*flow.Flow, bool) {
	return p.handle(ctx, req, protocol, connectionID, clientConn, upstream)
}

func (p *Pipeline) handle(ctx context.Context, req *flow.Request, protocol flow.Protocol, connectionID string, clientConn, fixedUpstream net.Conn) (*flow.Flow, bool) {
	seq := p.Session.NextSequence()
	fl := flow.New(uuid.New().String(), p.Session.ID, seq, req, protocol, connectionID)
	p.Session.AddFlow(fl)
	p.publish(eventbus.FlowCreated, fl)

	ctx, span := p.Tracer.Start(ctx, "flow",
		trace.WithAttributes(tracing.FlowAttributes(fl.ID, string(protocol), string(req.Method), req.Host, req.Path)...))
	defer span.End()

	fl, synthesized := p.runRequestRules(ctx, fl)

	var resp *flow.Response
	var wasCloseDelimited, streamed bool
	var pipeErr *flow.Error

	if synthesized != nil {
		resp = synthesized
	} else {
		fl = fl.WithState(flow.StateReceiving)
		p.publish(eventbus.FlowUpdated, fl)
		resp, wasCloseDelimited, streamed, pipeErr = p.forwardToUpstream(ctx, fl, fixedUpstream, clientConn)
	}

	if pipeErr != nil {
		fl = fl.WithError(pipeErr)
		p.publish(eventbus.FlowFinalized, fl)
		p.Metrics.RecordFlow(fl)
		tracing.SetError(span, errors.New(pipeErr.Message))
		p.writeErrorResponse(clientConn, pipeErr)
		return fl, false
	}

	// A streamed (e.g. SSE) response has already been relayed to the client
	// byte-by-byte as it arrived; there is no complete body to run response
	// rules against or a breakpoint to usefully pause, and the connection
	// always closes once the stream ends.
	if !streamed {
		fl, resp = p.runResponseRules(ctx, fl, resp)
	}
	fl = fl.WithResponse(resp)
	p.Session.UpdateFlow(fl)
	p.publish(eventbus.FlowFinalized, fl)
	p.Metrics.RecordFlow(fl)

	if streamed {
		return fl, false
	}

	keepAlive := httpcodec.KeepAlive(req.HTTPVersion, req.Headers, resp.Headers) && !wasCloseDelimited
	writeResponseToClient(clientConn, resp)
	return fl, keepAlive
}

func (p *Pipeline) publish(kind eventbus.FlowEventKind, fl *flow.Flow) {
	if p.Bus == nil {
		return
	}
	p.Bus.PublishFlow(eventbus.FlowEvent{Kind: kind, Flow: fl})
}

// runRequestRules evaluates rules in descending priority, firing the first
// match whose phase includes Request, per §4.H step 2.
func (p *Pipeline) runRequestRules(ctx context.Context, fl *flow.Flow) (*flow.Flow, *flow.Response) {
	rules := flow.SortRulesByPriorityDesc(p.Session.Rules())
	req := fl.Request
	for _, rule := range rules {
		if !rule.IsEnabled || (rule.Phase != flow.PhaseRequest && rule.Phase != flow.PhaseBoth) {
			continue
		}
		if !ruleMatchesRequest(rule, req) {
			continue
		}
		fl = fl.WithOriginal(cloneRequest(req), nil).WithAppliedRule(rule.ID)
		p.Metrics.RecordRuleHit(rule)

		if rule.Type == flow.RuleBreakpoint {
			fl = fl.WithState(flow.StatePaused)
			p.publish(eventbus.FlowUpdated, fl)
			p.Metrics.BreakpointPaused()
			res, err := p.Breakpoints.Pause(ctx, fl.ID, flow.PhaseRequest)
			p.Metrics.BreakpointResolved()
			if err != nil || res.Aborted {
				fl = fl.WithError(flow.NewError(flow.ErrorKindBreakpointAborted, "breakpoint aborted"))
				return fl, blockedResponse()
			}
			applyRequestPatch(res.Patch, req)
			fl = fl.WithState(flow.StateWaiting)
			break
		}

		outcome := applyRequestAction(rule, req)
		if outcome.ruleFailed != nil {
			fl = fl.WithError(outcome.ruleFailed)
			return fl, blockedResponse()
		}
		if outcome.synthesizedResponse != nil {
			return fl, outcome.synthesizedResponse
		}
		break // ModifyHeaders/ModifyBody/MapRemote/Script: one match per phase
	}
	return fl, nil
}

func (p *Pipeline) runResponseRules(ctx context.Context, fl *flow.Flow, resp *flow.Response) (*flow.Flow, *flow.Response) {
	rules := flow.SortRulesByPriorityDesc(p.Session.Rules())
	req := fl.Request
	for _, rule := range rules {
		if !rule.IsEnabled || (rule.Phase != flow.PhaseResponse && rule.Phase != flow.PhaseBoth) {
			continue
		}
		if !ruleMatchesRequest(rule, req) {
			continue
		}
		fl = fl.WithOriginal(nil, cloneResponse(resp)).WithAppliedRule(rule.ID)
		p.Metrics.RecordRuleHit(rule)

		if rule.Type == flow.RuleBreakpoint {
			fl = fl.WithState(flow.StatePaused)
			p.publish(eventbus.FlowUpdated, fl)
			p.Metrics.BreakpointPaused()
			res, err := p.Breakpoints.Pause(ctx, fl.ID, flow.PhaseResponse)
			p.Metrics.BreakpointResolved()
			if err != nil || res.Aborted {
				fl = fl.WithError(flow.NewError(flow.ErrorKindBreakpointAborted, "breakpoint aborted"))
				return fl, resp
			}
			applyResponsePatch(res.Patch, resp)
			break
		}

		applyResponseAction(rule, resp)
		break
	}
	return fl, resp
}

func ruleMatchesRequest(rule *flow.Rule, req *flow.Request) bool {
	return rulematch.Matches(rule.Matcher, req.URL(), string(req.Method), req.Headers)
}

func cloneRequest(r *flow.Request) *flow.Request {
	c := *r
	if r.Headers != nil {
		c.Headers = r.Headers.Clone()
	}
	c.BodyBytes = append([]byte(nil), r.BodyBytes...)
	return &c
}

func cloneResponse(r *flow.Response) *flow.Response {
	c := *r
	if r.Headers != nil {
		c.Headers = r.Headers.Clone()
	}
	c.BodyBytes = append([]byte(nil), r.BodyBytes...)
	return &c
}

func applyRequestPatch(patch *breakpoint.Patch, req *flow.Request) {
	if patch == nil {
		return
	}
	if patch.Method != nil {
		req.Method = *patch.Method
	}
	if patch.URL != nil {
		scheme, host, port, path, query, err := httpcodec.ResolveTarget(httpcodec.ParsedRequestLine{Target: *patch.URL, TargetForm: "absolute"}, "", req.IsSecure)
		if err == nil {
			req.Scheme, req.Host, req.Port, req.Path, req.QueryString = scheme, host, port, path, query
		}
	}
	for name, value := range patch.Headers {
		req.Headers.Set(name, value)
	}
	if patch.Body != nil {
		req.BodyBytes = patch.Body
		req.ContentLength = int64(len(patch.Body))
	}
}

func applyResponsePatch(patch *breakpoint.Patch, resp *flow.Response) {
	if patch == nil {
		return
	}
	if patch.Status != nil {
		resp.StatusCode = *patch.Status
	}
	for name, value := range patch.Headers {
		resp.Headers.Set(name, value)
	}
	if patch.Body != nil {
		resp.BodyBytes = patch.Body
	}
}

func blockedResponse() *flow.Response {
	return &flow.Response{StatusCode: 502, StatusMessage: "Bad Gateway"}
}

// forwardToUpstream sends the throttled request and reads the throttled
// response, per §4.H steps 3-5. When fixedUpstream is nil it dials (or
// reuses) a pooled connection keyed on (scheme, host, port); when non-nil
// (the TLS_MITM tunnel case) it sends over that connection directly and
// leaves pool bookkeeping untouched, since the caller owns that
// connection's lifetime. clientConn is only used for the streaming (SSE)
// path, where bytes are relayed to it directly instead of being buffered
// into the returned Response. The third return value reports whether that
// happened.
func (p *Pipeline) forwardToUpstream(ctx context.Context, fl *flow.Flow, fixedUpstream, clientConn net.Conn) (*flow.Response, bool, bool, *flow.Error) {
	req := fl.Request

	conn := fixedUpstream
	pooled := false
	if conn == nil {
		key := upstreamKey{scheme: req.Scheme, host: req.Host, port: effectivePort(req)}
		dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
		acquired, err := p.pool.acquire(dialCtx, key)
		cancel()
		if err != nil {
			return nil, false, false, flow.NewError(flow.ErrorKindUpstreamDialFailed, err.Error())
		}
		conn = acquired
		pooled = true
	}

	shaper := throttle.New(*p.throttleSettings.Load())
	reqBytes := httpcodec.SerializeRequest(req)
	p.Metrics.AddBytesTx(len(reqBytes))
	if err := writeThrottled(ctx, conn, reqBytes, shaper.ThrottleUpload); err != nil {
		if pooled {
			p.pool.release(conn, false)
		}
		if errors.Is(err, throttle.ErrPacketLoss) {
			return nil, false, false, flow.NewError(flow.ErrorKindUpstreamResetDuringRequest, "connection reset")
		}
		if errors.Is(err, throttle.ErrCancelled) {
			return nil, false, false, flow.NewError(flow.ErrorKindThrottleCancelled, err.Error())
		}
		return nil, false, false, flow.NewError(flow.ErrorKindUpstreamResetDuringRequest, err.Error())
	}

	reader := bufio.NewReader(conn)
	code, message, headers, err := httpcodec.ReadResponseHeaders(reader)
	if err != nil {
		if pooled {
			p.pool.release(conn, false)
		}
		return nil, false, false, flow.NewError(flow.ErrorKindMalformedResponse, err.Error())
	}

	if httpcodec.BodyExpected(string(req.Method), code) && httpcodec.IsEventStream(headers) {
		resp := p.relaySSEResponse(clientConn, conn, reader, headers, code, message)
		if pooled {
			p.pool.release(conn, false)
		}
		return resp, true, true, nil
	}

	var body []byte
	var wasCloseDelimited bool
	if httpcodec.BodyExpected(string(req.Method), code) {
		mode, length := httpcodec.SelectFraming(headers, true)
		body, wasCloseDelimited, err = httpcodec.ReadBody(reader, mode, length)
		if err != nil {
			if pooled {
				p.pool.release(conn, false)
			}
			return nil, false, false, flow.NewError(flow.ErrorKindMalformedResponse, err.Error())
		}
	}

	p.Metrics.AddBytesRx(len(body))
	if err := throttleBody(ctx, body, shaper.ThrottleDownload); err != nil {
		if pooled {
			p.pool.release(conn, false)
		}
		if errors.Is(err, throttle.ErrPacketLoss) {
			return nil, false, false, flow.NewError(flow.ErrorKindUpstreamResetDuringResponse, "connection reset")
		}
		return nil, false, false, flow.NewError(flow.ErrorKindThrottleCancelled, err.Error())
	}

	contentEncoding, _ := headers.Get("Content-Encoding")
	if p.decompress && contentEncoding != "" {
		if decoded, derr := httpcodec.DecodeContentEncoding(contentEncoding, body); derr == nil {
			body = decoded
		}
	}

	resp := &flow.Response{
		StatusCode:          code,
		StatusMessage:       message,
		Headers:             headers,
		BodyBytes:           body,
		WasCompressed:       contentEncoding != "",
		CompressionEncoding: contentEncoding,
		TimestampNs:         timeNowUnixNano(),
	}

	if pooled {
		p.pool.release(conn, !wasCloseDelimited)
	}
	return resp, wasCloseDelimited, false, nil
}

const maxSSECapture = 1 << 20 // cap how much of a streamed body a flow snapshot retains

// relaySSEResponse writes resp's status line and headers to clientConn
// immediately, then copies the body from reader to clientConn one read at a
// time as bytes arrive from upstream, re-chunking the relay so the client
// sees data without waiting for the stream to end. Response rules never run
// against a streamed body (see forwardToUpstream's caller), so there is
// nothing here to pause a breakpoint on or rewrite.
func (p *Pipeline) relaySSEResponse(clientConn, upstream net.Conn, reader *bufio.Reader, headers *flow.Headers, code int, message string) *flow.Response {
	resp := &flow.Response{
		StatusCode:    code,
		StatusMessage: message,
		Headers:       headers,
		TimestampNs:   timeNowUnixNano(),
	}
	if _, err := clientConn.Write(httpcodec.SerializeResponseHeaders(resp)); err != nil {
		return resp
	}

	capture := httpcodec.NewLimitedBuffer(maxSSECapture)
	cw := httpcodec.NewChunkedWriter(clientConn)
	buf := make([]byte, 4096)
	for {
		_ = upstream.SetReadDeadline(time.Now().Add(p.readTimeout))
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := cw.Write(chunk); werr != nil {
				break
			}
			_, _ = capture.Write(chunk)
			p.Metrics.AddBytesRx(n)
		}
		if err != nil {
			break
		}
	}
	_ = cw.Close()

	resp.BodyBytes = capture.Bytes()
	if ce, ok := headers.Get("Content-Encoding"); ok {
		resp.WasCompressed = true
		resp.CompressionEncoding = ce
	}
	return resp
}

func timeNowUnixNano() int64 { return time.Now().UnixNano() }

func effectivePort(req *flow.Request) int {
	if req.Port != 0 {
		return req.Port
	}
	if req.Scheme == "https" {
		return 443
	}
	return 80
}

func writeThrottled(ctx context.Context, w io.Writer, data []byte, throttleFn func(context.Context, []byte) error) error {
	const chunkSize = 16 * 1024
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		if err := throttleFn(ctx, chunk); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func throttleBody(ctx context.Context, body []byte, throttleFn func(context.Context, []byte) error) error {
	const chunkSize = 16 * 1024
	for len(body) > 0 {
		n := chunkSize
		if n > len(body) {
			n = len(body)
		}
		if err := throttleFn(ctx, body[:n]); err != nil {
			return err
		}
		body = body[n:]
	}
	return nil
}

func writeResponseToClient(conn net.Conn, resp *flow.Response) {
	conn.Write(httpcodec.SerializeResponse(resp))
}

// writeErrorResponse surfaces a pipeline error to the client per §7: 502 for
// upstream dial/reset failures, 504 for timeouts, each with the
// X-Syrah-Error diagnostic header.
func (p *Pipeline) writeErrorResponse(conn net.Conn, e *flow.Error) {
	status := 502
	if e.Kind == flow.ErrorKindTimeout {
		status = 504
	}
	h := flow.NewHeaders()
	h.Set("X-Syrah-Error", e.Kind)
	h.Set("Content-Length", "0")
	resp := &flow.Response{StatusCode: status, StatusMessage: statusText(status), Headers: h}
	conn.Write(httpcodec.SerializeResponse(resp))
}
