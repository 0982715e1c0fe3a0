package httpcodec

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/syrahproxy/syrah/internal/flow"
)

// SerializeRequest re-emits req as origin-form bytes suitable for sending
// upstream: request line rewritten to origin-form with a synthesized Host,
// header order preserved, hop-by-hop headers stripped, body appended with a
// freshly computed Content-Length.
func SerializeRequest(req *flow.Request) []byte {
	var buf bytes.Buffer
	path := req.Path
	if path == "" {
		path = "/"
	}
	target := path
	if req.QueryString != "" {
		target += "?" + req.QueryString
	}
	buf.WriteString(string(req.Method))
	buf.WriteByte(' ')
	buf.WriteString(target)
	buf.WriteByte(' ')
	version := req.HTTPVersion
	if version == "" {
		version = "HTTP/1.1"
	}
	buf.WriteString(version)
	buf.WriteString("\r\n")

	headers := req.Headers.Clone()
	headers.Del("Host")
	isWS := IsWebSocketUpgrade(req.Headers)
	StripHopByHop(headers, isWS)
	headers.Del("Content-Length")

	hostLine := req.Host
	if !isDefaultPortForScheme(req.Scheme, req.Port) {
		hostLine += ":" + strconv.Itoa(req.Port)
	}
	buf.WriteString("Host: " + hostLine + "\r\n")

	writeHeaders(&buf, headers)
	if len(req.BodyBytes) > 0 || req.Method == flow.MethodPost || req.Method == flow.MethodPut || req.Method == flow.MethodPatch {
		buf.WriteString("Content-Length: " + strconv.Itoa(len(req.BodyBytes)) + "\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(req.BodyBytes)
	return buf.Bytes()
}

// SerializeResponse re-emits resp, preferring the original header order,
// forcing Content-Length to match the (possibly rule-modified) body.
func SerializeResponse(resp *flow.Response) []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 " + strconv.Itoa(resp.StatusCode) + " " + statusMessageOrDefault(resp) + "\r\n")

	headers := resp.Headers.Clone()
	StripHopByHop(headers, false)
	headers.Del("Content-Length")
	writeHeaders(&buf, headers)
	buf.WriteString("Content-Length: " + strconv.Itoa(len(resp.BodyBytes)) + "\r\n")
	buf.WriteString("\r\n")
	buf.Write(resp.BodyBytes)
	return buf.Bytes()
}

// SerializeResponseHeaders writes resp's status line and headers framed for
// a chunked body of unknown length ahead of time, for the streaming
// passthrough path where bytes are relayed as they arrive rather than
// buffered first.
func SerializeResponseHeaders(resp *flow.Response) []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 " + strconv.Itoa(resp.StatusCode) + " " + statusMessageOrDefault(resp) + "\r\n")

	headers := resp.Headers.Clone()
	StripHopByHop(headers, false)
	headers.Del("Content-Length")
	headers.Set("Transfer-Encoding", "chunked")
	writeHeaders(&buf, headers)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func statusMessageOrDefault(resp *flow.Response) string {
	if resp.StatusMessage != "" {
		return resp.StatusMessage
	}
	return "OK"
}

func writeHeaders(buf *bytes.Buffer, h *flow.Headers) {
	for _, name := range h.Names() {
		for _, v := range h.Values(name) {
			buf.WriteString(name + ": " + v + "\r\n")
		}
	}
}

func isDefaultPortForScheme(scheme string, port int) bool {
	return (scheme == "http" && port == 80) || (scheme == "https" && port == 443) || port == 0
}

// KeepAlive reports whether the connection should remain open for another
// request, per §4.G: both sides must signal HTTP/1.1 (or explicit
// keep-alive on HTTP/1.0), and neither side may send Connection: close.
func KeepAlive(reqVersion string, reqHeaders *flow.Headers, respHeaders *flow.Headers) bool {
	if hasConnectionClose(reqHeaders) || hasConnectionClose(respHeaders) {
		return false
	}
	if reqVersion == "HTTP/1.1" {
		return true
	}
	return hasConnectionKeepAlive(reqHeaders) || hasConnectionKeepAlive(respHeaders)
}

func hasConnectionClose(h *flow.Headers) bool {
	if h == nil {
		return false
	}
	v, ok := h.Get("Connection")
	return ok && strings.Contains(strings.ToLower(v), "close")
}

func hasConnectionKeepAlive(h *flow.Headers) bool {
	if h == nil {
		return false
	}
	v, ok := h.Get("Connection")
	return ok && strings.Contains(strings.ToLower(v), "keep-alive")
}
