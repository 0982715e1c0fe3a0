package httpcodec

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/syrahproxy/syrah/internal/flow"
)

// ReadRequest reads one full HTTP/1.x request (request line, headers, body)
// from r, resolving its target per §4.F. isSecure marks a request read off a
// TLS-terminated (MITM) connection, used to default the scheme on
// origin-form targets.
func ReadRequest(r *bufio.Reader, isSecure bool) (*flow.Request, error) {
	line, err := readCRLFLine(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading request line: %v", ErrMalformed, err)
	}
	reqLine, err := ParseRequestLine(line)
	if err != nil {
		return nil, err
	}
	headers, err := ParseHeaders(r)
	if err != nil {
		return nil, err
	}
	hostHeader, _ := headers.Get("Host")
	scheme, host, port, path, query, err := ResolveTarget(reqLine, hostHeader, isSecure)
	if err != nil {
		return nil, err
	}

	var body []byte
	if reqLine.Method != "CONNECT" {
		hasBody := methodAllowsBody(reqLine.Method, headers)
		mode, length := SelectFraming(headers, hasBody)
		body, _, err = ReadBody(r, mode, length)
		if err != nil {
			return nil, err
		}
	}

	contentTypeHeader, _ := headers.Get("Content-Type")
	cookieHeader, _ := headers.Get("Cookie")

	return &flow.Request{
		Method:        flow.Method(reqLine.Method),
		Scheme:        scheme,
		Host:          host,
		Port:          port,
		Path:          path,
		QueryString:   query,
		QueryParams:   ParseQueryParams(query),
		Headers:       headers,
		BodyBytes:     body,
		ContentType:   flow.ClassifyContentType(contentTypeHeader),
		ContentLength: int64(len(body)),
		HTTPVersion:   reqLine.HTTPVersion,
		TimestampNs:   time.Now().UnixNano(),
		IsSecure:      isSecure,
		Cookies:       ParseCookies(cookieHeader),
	}, nil
}

func methodAllowsBody(method string, h *flow.Headers) bool {
	if _, ok := h.Get("Content-Length"); ok {
		return true
	}
	if te, ok := h.Get("Transfer-Encoding"); ok && te != "" {
		return true
	}
	return false
}

// ReadResponseHeaders reads just the status line and headers, leaving the
// body (if any) unread on r. Split out from ReadResponse so callers can
// inspect Content-Type before choosing how to frame the body — e.g. a
// text/event-stream response gets relayed instead of buffered.
func ReadResponseHeaders(r *bufio.Reader) (code int, message string, headers *flow.Headers, err error) {
	line, err := readCRLFLine(r)
	if err != nil {
		return 0, "", nil, fmt.Errorf("%w: reading status line: %v", ErrMalformed, err)
	}
	_, code, message, err = parseStatusLine(line)
	if err != nil {
		return 0, "", nil, err
	}
	headers, err = ParseHeaders(r)
	if err != nil {
		return 0, "", nil, err
	}
	return code, message, headers, nil
}

// BodyExpected reports whether a body follows the status line, per RFC 7230
// §3.3 (HEAD, 1xx/204/304 never carry one).
func BodyExpected(requestMethod string, statusCode int) bool {
	return bodyExpected(requestMethod, statusCode)
}

// ReadResponse reads one full HTTP/1.x response (status line, headers, body)
// from r. requestMethod and statusCode determine whether a body is expected
// per RFC 7230 §3.3 (HEAD, 1xx/204/304 never carry one).
func ReadResponse(r *bufio.Reader, requestMethod string) (resp *flow.Response, wasCloseDelimited bool, err error) {
	code, message, headers, err := ReadResponseHeaders(r)
	if err != nil {
		return nil, false, err
	}

	var body []byte
	if bodyExpected(requestMethod, code) {
		mode, length := SelectFraming(headers, true)
		body, wasCloseDelimited, err = ReadBody(r, mode, length)
		if err != nil {
			return nil, false, err
		}
	}

	contentEncoding, _ := headers.Get("Content-Encoding")

	return &flow.Response{
		StatusCode:          code,
		StatusMessage:       message,
		Headers:             headers,
		BodyBytes:           body,
		WasCompressed:       contentEncoding != "",
		CompressionEncoding: contentEncoding,
		TimestampNs:         time.Now().UnixNano(),
	}, wasCloseDelimited, nil
}

// IsEventStream reports whether headers' Content-Type names the
// text/event-stream media type (ignoring any parameters), per the
// streaming-passthrough path in internal/pipeline.
func IsEventStream(headers *flow.Headers) bool {
	ct, ok := headers.Get("Content-Type")
	if !ok {
		return false
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.EqualFold(strings.TrimSpace(ct), "text/event-stream")
}

func parseStatusLine(line string) (version string, code int, message string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("%w: malformed status line %q", ErrMalformed, line)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", fmt.Errorf("%w: malformed status code %q", ErrMalformed, parts[1])
	}
	if len(parts) == 3 {
		message = parts[2]
	}
	return parts[0], code, message, nil
}

func bodyExpected(requestMethod string, statusCode int) bool {
	if requestMethod == "HEAD" {
		return false
	}
	if statusCode >= 100 && statusCode < 200 {
		return false
	}
	return statusCode != 204 && statusCode != 304
}
