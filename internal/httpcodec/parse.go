// Package httpcodec parses and serializes HTTP/1.x requests and responses
// on top of internal/flow's data types, implementing §4.F.
package httpcodec

import (
	"bufio"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/syrahproxy/syrah/internal/flow"
)

// ParsedRequestLine holds the three tokens of an HTTP request line plus the
// target's classification, needed before headers are even read so the
// connection handler can special-case CONNECT/absolute-form targets.
type ParsedRequestLine struct {
	Method      string
	Target      string
	HTTPVersion string
	// TargetForm is one of "absolute", "origin", or "authority".
	TargetForm string
}

// ParseRequestLine parses "METHOD SP REQUEST-TARGET SP HTTP/VERSION".
func ParseRequestLine(line string) (ParsedRequestLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return ParsedRequestLine{}, fmt.Errorf("%w: malformed request line %q", ErrMalformed, line)
	}
	method, target, version := parts[0], parts[1], parts[2]
	form := classifyTarget(method, target)
	return ParsedRequestLine{Method: method, Target: target, HTTPVersion: version, TargetForm: form}, nil
}

func classifyTarget(method, target string) string {
	switch {
	case method == "CONNECT":
		return "authority"
	case strings.Contains(target, "://"):
		return "absolute"
	default:
		return "origin"
	}
}

// ParseHeaders reads header lines from r up to (and consuming) the
// terminating empty line. Duplicate Set-Cookie values are preserved as a
// list; all other duplicate headers are comma-joined per §4.F.
func ParseHeaders(r *bufio.Reader) (*flow.Headers, error) {
	h := flow.NewHeaders()
	for {
		line, err := readCRLFLine(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading header line: %v", ErrMalformed, err)
		}
		if line == "" {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, fmt.Errorf("%w: header line folding is not supported", ErrMalformed)
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("%w: header line missing colon: %q", ErrMalformed, line)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		addHeaderValue(h, name, value)
	}
}

func addHeaderValue(h *flow.Headers, name, value string) {
	if strings.EqualFold(name, "Set-Cookie") {
		h.Add(name, value)
		return
	}
	if existing, ok := h.Get(name); ok {
		h.Set(name, existing+", "+value)
		return
	}
	h.Add(name, value)
}

// FramingMode selects how a body is delimited on the wire, per §4.F.
type FramingMode int

const (
	FramingNone FramingMode = iota
	FramingContentLength
	FramingChunked
	FramingCloseDelimited
)

// SelectFraming inspects response headers to decide body framing: chunked
// (last Transfer-Encoding token), else Content-Length, else close-delimited.
func SelectFraming(h *flow.Headers, hasBody bool) (FramingMode, int64) {
	if te, ok := h.Get("Transfer-Encoding"); ok {
		tokens := strings.Split(te, ",")
		last := strings.TrimSpace(tokens[len(tokens)-1])
		if strings.EqualFold(last, "chunked") {
			return FramingChunked, 0
		}
	}
	if cl, ok := h.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			return FramingContentLength, n
		}
	}
	if !hasBody {
		return FramingNone, 0
	}
	return FramingCloseDelimited, 0
}

// ReadBody reads a body from r according to mode, decoding chunked framing
// if necessary. closeDelimited reads until EOF.
func ReadBody(r *bufio.Reader, mode FramingMode, contentLength int64) (body []byte, wasCloseDelimited bool, err error) {
	switch mode {
	case FramingNone:
		return nil, false, nil
	case FramingContentLength:
		buf := make([]byte, contentLength)
		if _, err := readFull(r, buf); err != nil {
			return nil, false, fmt.Errorf("%w: short body: %v", ErrMalformed, err)
		}
		return buf, false, nil
	case FramingChunked:
		b, err := DecodeChunked(r)
		if err != nil {
			return nil, false, err
		}
		return b, false, nil
	case FramingCloseDelimited:
		b, err := readAll(r)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	default:
		return nil, false, nil
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readAll(r *bufio.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return out, nil // EOF is the expected close-delimited terminator
		}
	}
}

// ParsedAuthority splits "host:port", defaulting port by scheme when absent.
type ParsedAuthority struct {
	Host string
	Port int
}

// ResolveTarget determines scheme/host/port/path from a request line and
// Host header, honoring §4.F's rule that an absolute-form target's
// authority wins over the Host header.
func ResolveTarget(reqLine ParsedRequestLine, hostHeader string, isSecure bool) (scheme, host string, port int, path, query string, err error) {
	scheme = "http"
	if isSecure {
		scheme = "https"
	}
	switch reqLine.TargetForm {
	case "absolute":
		u, perr := url.Parse(reqLine.Target)
		if perr != nil {
			return "", "", 0, "", "", fmt.Errorf("%w: invalid absolute-form target: %v", ErrMalformed, perr)
		}
		scheme = u.Scheme
		host, port = splitHostPort(u.Host, scheme)
		path = u.Path
		if path == "" {
			path = "/"
		}
		query = u.RawQuery
		return scheme, host, port, path, query, nil
	case "authority":
		host, port = splitHostPort(reqLine.Target, "https")
		return scheme, host, port, "", "", nil
	default: // origin-form
		host, port = splitHostPort(hostHeader, scheme)
		i := strings.IndexByte(reqLine.Target, '?')
		if i < 0 {
			path = reqLine.Target
		} else {
			path = reqLine.Target[:i]
			query = reqLine.Target[i+1:]
		}
		if path == "" {
			path = "/"
		}
		return scheme, host, port, path, query, nil
	}
}

func splitHostPort(hostport, scheme string) (string, int) {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i:], "]") {
		if port, err := strconv.Atoi(hostport[i+1:]); err == nil {
			return hostport[:i], port
		}
	}
	if scheme == "https" {
		return hostport, 443
	}
	return hostport, 80
}

// ParseQueryParams splits a query string into an ordered name->values map.
func ParseQueryParams(query string) map[string][]string {
	out := map[string][]string{}
	if query == "" {
		return out
	}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		var name, value string
		if i := strings.IndexByte(pair, '='); i >= 0 {
			name, value = pair[:i], pair[i+1:]
		} else {
			name = pair
		}
		n, _ := url.QueryUnescape(name)
		v, _ := url.QueryUnescape(value)
		out[n] = append(out[n], v)
	}
	return out
}

// ParseCookies parses a Cookie header value into a name->value map, per §3.
func ParseCookies(header string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			out[part[:i]] = part[i+1:]
		}
	}
	return out
}
