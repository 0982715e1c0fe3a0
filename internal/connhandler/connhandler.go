// Package connhandler drives one accepted client connection through the
// §4.G state machine: ACCEPT -> READ_REQUEST -> (CONNECT_SETUP |
// FORWARD_REQUEST) -> (TLS_MITM | RAW_TUNNEL | ...) -> CLOSE|FAILED.
// Grounded in the teacher's internal/proxy/proxy.go (request-loop shape),
// mitm.go (handleConnectMITM/handleTLSConnection), and tunnel.go
// (tunnel/tunnelWithTimeout/copyWithIdleTimeout).
package connhandler

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syrahproxy/syrah/internal/ca"
	"github.com/syrahproxy/syrah/internal/config"
	"github.com/syrahproxy/syrah/internal/flow"
	"github.com/syrahproxy/syrah/internal/httpcodec"
	"github.com/syrahproxy/syrah/internal/metrics"
	"github.com/syrahproxy/syrah/internal/pipeline"
)

const defaultIdleTimeout = 5 * time.Minute

// Handler owns the dependencies needed to service one connection: the
// proxy's static config, the certificate cache for minting MITM leaves, and
// the pipeline that turns parsed requests into responses.
type Handler struct {
	Config    *config.ProxyConfig
	CertCache *ca.Cache
	Pipeline  *pipeline.Pipeline
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// New builds a Handler. logger defaults to slog.Default() if nil.
func New(cfg *config.ProxyConfig, certCache *ca.Cache, pl *pipeline.Pipeline, logger *slog.Logger, metricsCollector *metrics.Collector) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	metricsCollector.SetSSLInterceptionEnabled(cfg.EnableSSL)
	return &Handler{Config: cfg, CertCache: certCache, Pipeline: pl, Logger: logger, Metrics: metricsCollector}
}

// Handle runs the connection to completion (CLOSE or FAILED), closing conn
// before returning. ctx cancellation (session stop) tears the connection
// down per §5's cancellation policy.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	h.Metrics.ConnectionOpened()
	defer h.Metrics.ConnectionClosed()
	defer conn.Close()
	connectionID := uuid.New().String()
	reader := bufio.NewReader(conn)

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.Config.ReadTimeout()))
		req, err := httpcodec.ReadRequest(reader, false)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.writeBadRequest(conn)
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		if req.Method == flow.MethodConnect {
			h.handleConnect(ctx, conn, req, connectionID)
			return // is_tunneled is sticky: READ_REQUEST never re-engages.
		}

		_, keepAlive := h.Pipeline.HandleRequest(ctx, req, flow.ProtocolHTTP, connectionID, conn)
		if !keepAlive {
			return
		}
	}
}

// handleConnect implements CONNECT_SETUP: acknowledge the tunnel, then pick
// TLS_MITM or RAW_TUNNEL per the bypass-host and ssl_interception rules.
func (h *Handler) handleConnect(ctx context.Context, conn net.Conn, req *flow.Request, connectionID string) {
	host := req.Host
	port := req.Port
	if port == 0 {
		port = 443
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	if !h.Config.EnableSSL || h.Config.IsBypassHost(host) {
		h.rawTunnel(ctx, conn, target, host)
		return
	}
	h.tlsMITM(ctx, conn, host, target, connectionID)
}

// rawTunnel implements RAW_TUNNEL: a full-duplex byte relay until either
// side closes, adapted near-verbatim from the teacher's tunnel.go.
func (h *Handler) rawTunnel(ctx context.Context, clientConn net.Conn, target, host string) {
	dialer := net.Dialer{Timeout: h.Config.ConnectTimeout()}
	upstreamConn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		h.Logger.Error("raw tunnel: upstream dial failed", "host", host, "error", err)
		return
	}
	h.tunnel(clientConn, upstreamConn, host, defaultIdleTimeout)
}

func (h *Handler) tunnel(clientConn, upstreamConn net.Conn, host string, idleTimeout time.Duration) {
	h.Logger.Debug("tunnel established", "host", host)

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			clientConn.Close()
			upstreamConn.Close()
			h.Logger.Debug("tunnel closed", "host", host)
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyWithIdleTimeout(upstreamConn, clientConn, idleTimeout, h.Metrics.AddBytesTx)
		closeAll()
	}()
	go func() {
		defer wg.Done()
		copyWithIdleTimeout(clientConn, upstreamConn, idleTimeout, h.Metrics.AddBytesRx)
		closeAll()
	}()
	wg.Wait()
}

// copyWithIdleTimeout copies from src to dst, resetting src's read deadline
// after every successful read; no data within idleTimeout tears the tunnel
// down. record is called with each chunk's length so the caller can track
// byte-throughput metrics per direction.
func copyWithIdleTimeout(dst io.Writer, src net.Conn, idleTimeout time.Duration, record func(int)) {
	buf := make([]byte, 32*1024)
	for {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, wErr := dst.Write(buf[:n]); wErr != nil {
				return
			}
			record(n)
		}
		if err != nil {
			return
		}
	}
}

// tlsMITM implements TLS_MITM: mint a leaf for the SNI host, TLS-accept the
// client, TLS-connect upstream once, then loop reading plaintext requests
// off the client side and forwarding them over the single upstream
// connection until the tunnel closes.
func (h *Handler) tlsMITM(ctx context.Context, clientConn net.Conn, host, target, connectionID string) {
	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return h.CertCache.GetWithSANs(host, h.Config.HostAliases[host]...)
		},
		NextProtos: []string{"http/1.1"},
	}
	tlsClient := tls.Server(clientConn, tlsConfig)
	if err := tlsClient.Handshake(); err != nil {
		h.Logger.Debug("TLS handshake with client failed", "host", host, "error", err)
		tlsClient.Close()
		return
	}
	defer tlsClient.Close()

	dialer := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: h.Config.ConnectTimeout()},
		Config:    &tls.Config{ServerName: host, NextProtos: []string{"http/1.1"}},
	}
	upstreamConn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		h.Logger.Error("MITM: upstream TLS dial failed", "host", host, "error", err)
		return
	}
	defer upstreamConn.Close()

	reader := bufio.NewReader(tlsClient)
	for {
		if ctx.Err() != nil {
			return
		}
		tlsClient.SetReadDeadline(time.Now().Add(h.Config.ReadTimeout()))
		req, err := httpcodec.ReadRequest(reader, true)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.Logger.Debug("MITM: error reading request", "host", host, "error", err)
			}
			return
		}
		tlsClient.SetReadDeadline(time.Time{})

		_, keepAlive := h.Pipeline.HandleTunneledRequest(ctx, req, flow.ProtocolHTTPS, connectionID, tlsClient, upstreamConn)
		if !keepAlive {
			return
		}
	}
}

func (h *Handler) writeBadRequest(conn net.Conn) {
	headers := flow.NewHeaders()
	headers.Set("Content-Length", "0")
	resp := &flow.Response{StatusCode: 400, StatusMessage: "Bad Request", Headers: headers}
	conn.Write(httpcodec.SerializeResponse(resp))
}
