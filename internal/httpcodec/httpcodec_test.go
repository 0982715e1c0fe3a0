package httpcodec

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/syrahproxy/syrah/internal/flow"
)

func TestDecodeChunkedRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("hello world "), 500) // > one bufio read
	encoded := EncodeChunked(original)

	decoded, err := DecodeChunked(bufio.NewReader(bytes.NewReader(encoded)))
	if err != nil {
		t.Fatalf("DecodeChunked: %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Error("decode(encode(bytes)) != bytes")
	}
}

func TestDecodeChunkedSeedScenario(t *testing.T) {
	raw := "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	decoded, err := DecodeChunked(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("DecodeChunked: %v", err)
	}
	if string(decoded) != "hello world" {
		t.Errorf("decoded = %q, want %q", decoded, "hello world")
	}
}

func TestDecodeChunkedRejectsOversizedChunk(t *testing.T) {
	raw := "ffffffff\r\n"
	_, err := DecodeChunked(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Error("expected error for oversized chunk")
	}
}

func TestParseRequestLineForms(t *testing.T) {
	cases := []struct {
		line     string
		wantForm string
	}{
		{"GET /path?q=1 HTTP/1.1", "origin"},
		{"GET http://example.com/path HTTP/1.1", "absolute"},
		{"CONNECT example.com:443 HTTP/1.1", "authority"},
	}
	for _, c := range cases {
		got, err := ParseRequestLine(c.line)
		if err != nil {
			t.Fatalf("ParseRequestLine(%q): %v", c.line, err)
		}
		if got.TargetForm != c.wantForm {
			t.Errorf("ParseRequestLine(%q).TargetForm = %q, want %q", c.line, got.TargetForm, c.wantForm)
		}
	}
}

func TestParseHeadersDuplicateSetCookiePreserved(t *testing.T) {
	raw := "Set-Cookie: a=1\r\nSet-Cookie: b=2\r\nX-Foo: 1\r\nX-Foo: 2\r\n\r\n"
	h, err := ParseHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	cookies := h.Values("set-cookie")
	if len(cookies) != 2 {
		t.Fatalf("expected 2 Set-Cookie values, got %d", len(cookies))
	}
	foo, _ := h.Get("x-foo")
	if foo != "1, 2" {
		t.Errorf("X-Foo = %q, want comma-joined '1, 2'", foo)
	}
}

func TestParseHeadersRejectsFolding(t *testing.T) {
	raw := "X-Foo: 1\r\n continuation\r\n\r\n"
	_, err := ParseHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Error("expected folded header line to be rejected")
	}
}

func TestSelectFraming(t *testing.T) {
	h := flow.NewHeaders()
	h.Add("Transfer-Encoding", "chunked")
	mode, _ := SelectFraming(h, true)
	if mode != FramingChunked {
		t.Errorf("mode = %v, want chunked", mode)
	}

	h2 := flow.NewHeaders()
	h2.Add("Content-Length", "42")
	mode2, n := SelectFraming(h2, true)
	if mode2 != FramingContentLength || n != 42 {
		t.Errorf("mode = %v n = %d, want contentLength 42", mode2, n)
	}

	h3 := flow.NewHeaders()
	mode3, _ := SelectFraming(h3, true)
	if mode3 != FramingCloseDelimited {
		t.Errorf("mode = %v, want close-delimited", mode3)
	}
}

func TestReadBodyContentLengthZero(t *testing.T) {
	body, closeDelim, err := ReadBody(bufio.NewReader(strings.NewReader("")), FramingContentLength, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 0 || closeDelim {
		t.Errorf("expected empty, non-close-delimited body")
	}
}

func TestResolveTargetAbsoluteFormAuthorityWins(t *testing.T) {
	reqLine, err := ParseRequestLine("GET http://real-host.example/p?x=1 HTTP/1.1")
	if err != nil {
		t.Fatal(err)
	}
	scheme, host, port, path, query, err := ResolveTarget(reqLine, "decoy-host.example", false)
	if err != nil {
		t.Fatal(err)
	}
	if host != "real-host.example" || scheme != "http" || port != 80 || path != "/p" || query != "x=1" {
		t.Errorf("got scheme=%s host=%s port=%d path=%s query=%s", scheme, host, port, path, query)
	}
}

func TestResolveTargetOriginFormUsesHostHeader(t *testing.T) {
	reqLine, err := ParseRequestLine("GET /p HTTP/1.1")
	if err != nil {
		t.Fatal(err)
	}
	scheme, host, port, path, _, err := ResolveTarget(reqLine, "example.com:8080", false)
	if err != nil {
		t.Fatal(err)
	}
	if host != "example.com" || port != 8080 || scheme != "http" || path != "/p" {
		t.Errorf("got scheme=%s host=%s port=%d path=%s", scheme, host, port, path)
	}
}

func TestSerializeRequestStripsHopByHopAndDropsOldHost(t *testing.T) {
	h := flow.NewHeaders()
	h.Add("Host", "ignored.example")
	h.Add("Connection", "keep-alive")
	h.Add("X-Custom", "1")
	req := &flow.Request{
		Method:  flow.MethodGet,
		Scheme:  "http",
		Host:    "example.com",
		Port:    80,
		Path:    "/x",
		Headers: h,
	}
	out := string(SerializeRequest(req))
	if !strings.HasPrefix(out, "GET /x HTTP/1.1\r\n") {
		t.Errorf("unexpected request line: %q", out[:30])
	}
	if !strings.Contains(out, "Host: example.com\r\n") {
		t.Error("expected rewritten Host header")
	}
	if strings.Contains(out, "Connection:") {
		t.Error("Connection header must be stripped")
	}
	if !strings.Contains(out, "X-Custom: 1\r\n") {
		t.Error("expected X-Custom header preserved")
	}
}

func TestSerializeResponseSetsContentLength(t *testing.T) {
	resp := &flow.Response{
		StatusCode:    200,
		StatusMessage: "OK",
		Headers:       flow.NewHeaders(),
		BodyBytes:     []byte("hello world"),
	}
	out := string(SerializeResponse(resp))
	if !strings.Contains(out, "Content-Length: 11\r\n") {
		t.Errorf("expected Content-Length: 11, got:\n%s", out)
	}
	if !strings.HasSuffix(out, "hello world") {
		t.Error("expected body at end of serialized response")
	}
}

func TestKeepAliveRules(t *testing.T) {
	if !KeepAlive("HTTP/1.1", flow.NewHeaders(), flow.NewHeaders()) {
		t.Error("HTTP/1.1 with no Connection header must keep-alive")
	}
	reqClose := flow.NewHeaders()
	reqClose.Add("Connection", "close")
	if KeepAlive("HTTP/1.1", reqClose, flow.NewHeaders()) {
		t.Error("explicit Connection: close must end keep-alive")
	}
	reqKA := flow.NewHeaders()
	reqKA.Add("Connection", "keep-alive")
	if !KeepAlive("HTTP/1.0", reqKA, flow.NewHeaders()) {
		t.Error("HTTP/1.0 with explicit keep-alive must keep the connection open")
	}
	if KeepAlive("HTTP/1.0", flow.NewHeaders(), flow.NewHeaders()) {
		t.Error("HTTP/1.0 without explicit keep-alive must close")
	}
}

func TestParseQueryParams(t *testing.T) {
	got := ParseQueryParams("a=1&a=2&b=x%20y")
	if len(got["a"]) != 2 || got["a"][0] != "1" || got["a"][1] != "2" {
		t.Errorf("a = %v", got["a"])
	}
	if got["b"][0] != "x y" {
		t.Errorf("b = %v, want unescaped 'x y'", got["b"])
	}
}

func TestLimitedBufferTruncates(t *testing.T) {
	lb := NewLimitedBuffer(5)
	n, err := lb.Write([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Errorf("Write reported n=%d, want 11 (pretend full write)", n)
	}
	if !lb.Truncated {
		t.Error("expected Truncated=true")
	}
	if string(lb.Bytes()) != "hello" {
		t.Errorf("captured = %q, want %q", lb.Bytes(), "hello")
	}
}
