package flow

import "testing"

func TestWithResponseAdvancesToCompleted(t *testing.T) {
	req := &Request{ID: "r1", Method: MethodGet, Host: "example.com", Path: "/", TimestampNs: 100}
	f := New("f1", "s1", 1, req, ProtocolHTTP, "c1")
	resp := &Response{StatusCode: 200, TimestampNs: 200}

	f2 := f.WithResponse(resp)

	if f2.State != StateCompleted {
		t.Errorf("state = %v, want Completed", f2.State)
	}
	if f2.Response == nil {
		t.Fatal("response not attached")
	}
	if f.State != StateWaiting {
		t.Error("original flow must not be mutated")
	}
}

func TestWithErrorPreservesPartialResponse(t *testing.T) {
	req := &Request{ID: "r1", Host: "example.com"}
	f := New("f1", "s1", 1, req, ProtocolHTTP, "c1")
	f = f.WithResponse(&Response{StatusCode: 200, BodyBytes: []byte("partial")})
	f = f.WithState(StateReceiving)

	f2 := f.WithError(&Error{Kind: "UpstreamResetDuringResponse", Message: "reset"})

	if f2.State != StateFailed {
		t.Errorf("state = %v, want Failed", f2.State)
	}
	if f2.Response == nil || string(f2.Response.BodyBytes) != "partial" {
		t.Error("partial response bytes were not preserved")
	}
}

func TestGroupHostAndGroupPath(t *testing.T) {
	req := &Request{Host: "api.example.com", Path: "/v1/users/42"}
	f := New("f1", "s1", 1, req, ProtocolHTTP, "c1")

	if got := f.GroupHost(); got != "api.example.com" {
		t.Errorf("GroupHost = %q", got)
	}
	if got := f.GroupPath(); got != "/v1" {
		t.Errorf("GroupPath = %q, want /v1", got)
	}
}

func TestGroupPathRoot(t *testing.T) {
	f := New("f1", "s1", 1, &Request{Path: "/"}, ProtocolHTTP, "c1")
	if got := f.GroupPath(); got != "/" {
		t.Errorf("GroupPath = %q, want /", got)
	}
}

func TestDurationMsUnavailableWithoutResponse(t *testing.T) {
	f := New("f1", "s1", 1, &Request{TimestampNs: 0}, ProtocolHTTP, "c1")
	if got := f.DurationMs(); got != -1 {
		t.Errorf("DurationMs = %d, want -1", got)
	}
}

func TestDisplayStatusFallsBackToState(t *testing.T) {
	f := New("f1", "s1", 1, &Request{}, ProtocolHTTP, "c1")
	if got := f.DisplayStatus(); got != "waiting" {
		t.Errorf("DisplayStatus = %q, want waiting", got)
	}
	f2 := f.WithResponse(&Response{StatusCode: 404})
	if got := f2.DisplayStatus(); got != "404" {
		t.Errorf("DisplayStatus = %q, want 404", got)
	}
}

func TestHeadersPreservesOrderAndMultiValue(t *testing.T) {
	h := NewHeaders()
	h.Add("Content-Type", "application/json")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	if got, ok := h.Get("content-type"); !ok || got != "application/json" {
		t.Errorf("Get(content-type) = %q, %v", got, ok)
	}
	cookies := h.Values("set-cookie")
	if len(cookies) != 2 || cookies[0] != "a=1" || cookies[1] != "b=2" {
		t.Errorf("Values(set-cookie) = %v", cookies)
	}
	names := h.Names()
	if len(names) != 2 || names[0] != "Content-Type" || names[1] != "Set-Cookie" {
		t.Errorf("Names() = %v", names)
	}
}

func TestSessionEvictsOldestPastMaxFlows(t *testing.T) {
	s := NewSession("s1", "test", 2)
	for i := 1; i <= 3; i++ {
		f := New(itoa(i), s.ID, s.NextSequence(), &Request{}, ProtocolHTTP, "c1")
		s.AddFlow(f)
	}
	flows := s.Flows()
	if len(flows) != 2 {
		t.Fatalf("len(flows) = %d, want 2", len(flows))
	}
	if flows[0].ID != "2" || flows[1].ID != "3" {
		t.Errorf("flows = %v, want [2 3]", []string{flows[0].ID, flows[1].ID})
	}
}

func TestClassifyContentType(t *testing.T) {
	cases := map[string]ContentType{
		"application/json; charset=utf-8": ContentJSON,
		"text/event-stream":               ContentEventStream,
		"text/html":                       ContentHTML,
		"application/xml":                 ContentXML,
		"multipart/form-data; boundary=x": ContentMultipart,
		"application/x-www-form-urlencoded": ContentForm,
		"image/png":                       ContentImage,
		"text/plain":                      ContentText,
		"application/octet-stream":        ContentBinary,
		"":                                ContentUnknown,
	}
	for header, want := range cases {
		if got := ClassifyContentType(header); got != want {
			t.Errorf("ClassifyContentType(%q) = %v, want %v", header, got, want)
		}
	}
}
