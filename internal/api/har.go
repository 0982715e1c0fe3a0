package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/syrahproxy/syrah/internal/flow"
	"github.com/syrahproxy/syrah/internal/redact"
)

func marshalHAR(doc harDocument) ([]byte, error) {
	return json.Marshal(doc)
}

// harDocument is the minimal HTTP Archive 1.2 shape export_har (§6)
// produces: a whole-session dump with ISO-8601 timestamps, byte sizes, and
// base64-encoded bodies for anything that isn't plain text.
type harDocument struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         harTimings  `json:"timings"`
}

type harRequest struct {
	Method      string           `json:"method"`
	URL         string           `json:"url"`
	HTTPVersion string           `json:"httpVersion"`
	Headers     []nameValuePair  `json:"headers"`
	QueryString []nameValuePair  `json:"queryString"`
	Cookies     []nameValuePair  `json:"cookies"`
	BodySize    int              `json:"bodySize"`
	PostData    *harPostData     `json:"postData,omitempty"`
	HeadersSize int              `json:"headersSize"`
}

type harResponse struct {
	Status      int             `json:"status"`
	StatusText  string          `json:"statusText"`
	HTTPVersion string          `json:"httpVersion"`
	Headers     []nameValuePair `json:"headers"`
	Cookies     []nameValuePair `json:"cookies"`
	Content     harContent      `json:"content"`
	RedirectURL string          `json:"redirectURL"`
	BodySize    int             `json:"bodySize"`
	HeadersSize int             `json:"headersSize"`
}

type harContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type harPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type harTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

type nameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BuildHAR renders flows as a HAR 1.2 document, redacting credentials
// through redactor before anything is serialized. Flows without a
// completed response (aborted, failed before a response arrived) are
// skipped, since a HAR entry requires both sides.
func BuildHAR(flows []*flow.Flow, redactor *redact.Redactor) ([]byte, error) {
	doc := harDocument{Log: harLog{
		Version: "1.2",
		Creator: harCreator{Name: "syrah", Version: "1.0"},
		Entries: make([]harEntry, 0, len(flows)),
	}}

	for _, fl := range flows {
		if fl.Request == nil || fl.Response == nil {
			continue
		}
		entry, err := buildHAREntry(fl, redactor)
		if err != nil {
			return nil, fmt.Errorf("building HAR entry for flow %s: %w", fl.ID, err)
		}
		doc.Log.Entries = append(doc.Log.Entries, entry)
	}

	return marshalHAR(doc)
}

func buildHAREntry(fl *flow.Flow, redactor *redact.Redactor) (harEntry, error) {
	req := fl.Request
	resp := fl.Response

	reqHeaders := req.Headers
	respHeaders := resp.Headers
	if redactor != nil {
		reqHeaders = redactor.RedactHeaders(reqHeaders)
		respHeaders = redactor.RedactHeaders(respHeaders)
	}

	startedAt := time.Unix(0, req.TimestampNs).UTC()
	elapsedMs := float64(0)
	if resp.TimestampNs > req.TimestampNs {
		elapsedMs = float64(resp.TimestampNs-req.TimestampNs) / float64(time.Millisecond)
	}

	entry := harEntry{
		StartedDateTime: startedAt.Format(time.RFC3339Nano),
		Time:            elapsedMs,
		Request: harRequest{
			Method:      string(req.Method),
			URL:         req.URL(),
			HTTPVersion: nonEmpty(req.HTTPVersion, "HTTP/1.1"),
			Headers:     headersToPairs(reqHeaders),
			QueryString: queryToPairs(req.QueryParams),
			Cookies:     cookiesToPairs(req.Cookies),
			BodySize:    len(req.BodyBytes),
			HeadersSize: -1,
		},
		Response: harResponse{
			Status:      resp.StatusCode,
			StatusText:  resp.StatusMessage,
			HTTPVersion: nonEmpty(req.HTTPVersion, "HTTP/1.1"),
			Headers:     headersToPairs(respHeaders),
			Content:     buildHARContent(resp, redactor),
			BodySize:    len(resp.BodyBytes),
			HeadersSize: -1,
		},
		Timings: harTimings{Send: 0, Wait: elapsedMs, Receive: 0},
	}

	if len(req.BodyBytes) > 0 {
		body := req.BodyBytes
		if redactor != nil {
			body = redactor.RedactBodyBytes(body)
		}
		entry.Request.PostData = &harPostData{
			MimeType: string(req.ContentType),
			Text:     string(body),
		}
	}

	return entry, nil
}

func buildHARContent(resp *flow.Response, redactor *redact.Redactor) harContent {
	mime := ""
	if resp.Headers != nil {
		mime, _ = resp.Headers.Get("Content-Type")
	}
	content := harContent{Size: len(resp.BodyBytes), MimeType: mime}
	if len(resp.BodyBytes) == 0 {
		return content
	}

	body := resp.BodyBytes
	if redactor != nil {
		body = redactor.RedactBodyBytes(body)
	}
	if utf8.Valid(body) {
		content.Text = string(body)
	} else {
		content.Encoding = "base64"
		content.Text = base64.StdEncoding.EncodeToString(body)
	}
	return content
}

func headersToPairs(h *flow.Headers) []nameValuePair {
	if h == nil {
		return nil
	}
	pairs := make([]nameValuePair, 0, h.Len())
	for _, name := range h.Names() {
		for _, v := range h.Values(name) {
			pairs = append(pairs, nameValuePair{Name: name, Value: v})
		}
	}
	return pairs
}

func queryToPairs(q map[string][]string) []nameValuePair {
	var pairs []nameValuePair
	for name, values := range q {
		for _, v := range values {
			pairs = append(pairs, nameValuePair{Name: name, Value: v})
		}
	}
	return pairs
}

func cookiesToPairs(cookies map[string]string) []nameValuePair {
	var pairs []nameValuePair
	for name, value := range cookies {
		pairs = append(pairs, nameValuePair{Name: name, Value: value})
	}
	return pairs
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
