package api

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/syrahproxy/syrah/internal/config"
	"github.com/syrahproxy/syrah/internal/flow"
	"github.com/syrahproxy/syrah/internal/redact"
)

func testRedactor(t *testing.T) *redact.Redactor {
	t.Helper()
	cfg := config.DefaultConfig()
	return redact.New(&cfg.Redaction)
}

func TestBuildHARSkipsIncompleteFlows(t *testing.T) {
	flows := []*flow.Flow{
		{ID: "no-response", Request: &flow.Request{}},
		{ID: "no-request", Response: &flow.Response{}},
	}
	doc, err := BuildHAR(flows, testRedactor(t))
	if err != nil {
		t.Fatalf("BuildHAR() error = %v", err)
	}
	var parsed harDocument
	json.Unmarshal(doc, &parsed)
	if len(parsed.Log.Entries) != 0 {
		t.Errorf("entries = %d, want 0 for incomplete flows", len(parsed.Log.Entries))
	}
}

func TestBuildHARRedactsAuthorizationHeader(t *testing.T) {
	doc, err := BuildHAR([]*flow.Flow{sampleFlowForHAR("f1")}, testRedactor(t))
	if err != nil {
		t.Fatalf("BuildHAR() error = %v", err)
	}
	if strings.Contains(string(doc), "secret-token") {
		t.Error("HAR document contains an unredacted secret")
	}
}

func TestBuildHARIncludesJSONVersion(t *testing.T) {
	doc, err := BuildHAR([]*flow.Flow{sampleFlowForHAR("f1")}, testRedactor(t))
	if err != nil {
		t.Fatalf("BuildHAR() error = %v", err)
	}
	var parsed harDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		t.Fatalf("unmarshaling HAR: %v", err)
	}
	if parsed.Log.Version != "1.2" {
		t.Errorf("log.version = %q, want 1.2", parsed.Log.Version)
	}
	if len(parsed.Log.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(parsed.Log.Entries))
	}
	entry := parsed.Log.Entries[0]
	if entry.Response.Status != 200 {
		t.Errorf("response.status = %d, want 200", entry.Response.Status)
	}
	if entry.Request.Method != "GET" {
		t.Errorf("request.method = %q, want GET", entry.Request.Method)
	}
}

func TestBuildHARBase64EncodesBinaryBody(t *testing.T) {
	fl := sampleFlowForHAR("f1")
	fl.Response.BodyBytes = []byte{0xff, 0xfe, 0x00, 0x01, 0x02}
	doc, err := BuildHAR([]*flow.Flow{fl}, testRedactor(t))
	if err != nil {
		t.Fatalf("BuildHAR() error = %v", err)
	}
	var parsed harDocument
	json.Unmarshal(doc, &parsed)
	if parsed.Log.Entries[0].Response.Content.Encoding != "base64" {
		t.Error("expected binary response body to be base64-encoded")
	}
}
