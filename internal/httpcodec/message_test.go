package httpcodec

import (
	"bufio"
	"strings"
	"testing"

	"github.com/syrahproxy/syrah/internal/flow"
)

func flowHeadersWithContentType(ct string) *flow.Headers {
	h := flow.NewHeaders()
	h.Set("Content-Type", ct)
	return h
}

func TestReadRequestOriginForm(t *testing.T) {
	raw := "GET /v1/get HTTP/1.1\r\nHost: httpbin.org\r\nAccept: */*\r\n\r\n"
	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)), false)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Method != "GET" || req.Host != "httpbin.org" || req.Path != "/v1/get" {
		t.Errorf("got method=%s host=%s path=%s", req.Method, req.Host, req.Path)
	}
	if req.Scheme != "http" {
		t.Errorf("scheme = %s, want http", req.Scheme)
	}
}

func TestReadRequestWithContentLengthBody(t *testing.T) {
	raw := "POST /users HTTP/1.1\r\nHost: api.example.com\r\nContent-Length: 13\r\n\r\n{\"name\":\"a\"}\n"
	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)), true)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if string(req.BodyBytes) != "{\"name\":\"a\"}\n" {
		t.Errorf("body = %q", req.BodyBytes)
	}
	if !req.IsSecure {
		t.Error("expected IsSecure true")
	}
}

func TestReadResponseSeedScenarioOne(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 17\r\n\r\n{\"ok\":true}\n\n\n\n\n"
	resp, closed, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET")
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if closed {
		t.Error("expected content-length framing, not close-delimited")
	}
	if resp.StatusCode != 200 || len(resp.BodyBytes) != 17 {
		t.Errorf("status=%d bodyLen=%d", resp.StatusCode, len(resp.BodyBytes))
	}
}

func TestReadResponseHeadHasNoBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"
	resp, _, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "HEAD")
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if len(resp.BodyBytes) != 0 {
		t.Errorf("expected empty body for HEAD, got %q", resp.BodyBytes)
	}
}

func TestReadResponse204HasNoBody(t *testing.T) {
	raw := "HTTP/1.1 204 No Content\r\n\r\n"
	resp, _, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "DELETE")
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 204 || len(resp.BodyBytes) != 0 {
		t.Errorf("status=%d bodyLen=%d", resp.StatusCode, len(resp.BodyBytes))
	}
}

func TestReadResponseHeadersLeavesBodyUnread(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	r := bufio.NewReader(strings.NewReader(raw))
	code, _, headers, err := ReadResponseHeaders(r)
	if err != nil {
		t.Fatalf("ReadResponseHeaders: %v", err)
	}
	if code != 200 {
		t.Errorf("code = %d, want 200", code)
	}
	if cl, _ := headers.Get("Content-Length"); cl != "5" {
		t.Errorf("Content-Length = %q, want 5", cl)
	}
	rest, err := r.ReadString(0)
	if err == nil {
		t.Fatalf("unexpected nil error reading rest")
	}
	if rest != "hello" {
		t.Errorf("remaining body = %q, want %q", rest, "hello")
	}
}

func TestIsEventStreamIgnoresParameters(t *testing.T) {
	h := flowHeadersWithContentType("text/event-stream; charset=utf-8")
	if !IsEventStream(h) {
		t.Error("expected text/event-stream with parameters to match")
	}
	h = flowHeadersWithContentType("application/json")
	if IsEventStream(h) {
		t.Error("expected application/json not to match")
	}
}
