package flow

import (
	"strings"
	"time"
)

// State is a flow's position in its capture lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateWaiting   State = "waiting"
	StateReceiving State = "receiving"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
	StatePaused    State = "paused"
	StateModifying State = "modifying"
)

// Protocol identifies the wire protocol a flow was captured over.
type Protocol string

const (
	ProtocolHTTP           Protocol = "http"
	ProtocolHTTPS          Protocol = "https"
	ProtocolWebSocket      Protocol = "ws"
	ProtocolWebSocketSecure Protocol = "wss"
)

// WSMessage is one frame of a captured WebSocket session.
type WSMessage struct {
	TimestampNs int64
	FromClient  bool
	IsText      bool
	Data        []byte
}

// Error carries the kind and message of a failure attached to a flow, per
// the §7 error taxonomy.
type Error struct {
	Kind    string
	Message string
}

// Flow is one captured request/response pair (or WebSocket session) plus
// its capture metadata. Flows are meant to be treated as immutable
// snapshots: mutation goes through With* constructors that return a new
// value, matching the "flow pipeline owns the flow id" ownership rule.
type Flow struct {
	ID              string
	SessionID       string
	SequenceNumber  int64
	Request         *Request
	Response        *Response
	State           State
	Protocol        Protocol
	WSMessages      []WSMessage
	Err             *Error
	Tags            []string
	Notes           string
	IsMarked        bool
	AppliedRules    []string
	OriginalRequest *Request
	OriginalResponse *Response
	ConnectionID    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New creates a flow in the Waiting state for req, stamping CreatedAt and
// UpdatedAt to now.
func New(id, sessionID string, seq int64, req *Request, protocol Protocol, connectionID string) *Flow {
	now := time.Now()
	return &Flow{
		ID:             id,
		SessionID:      sessionID,
		SequenceNumber: seq,
		Request:        req,
		State:          StateWaiting,
		Protocol:       protocol,
		ConnectionID:   connectionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// clone produces a shallow copy with a fresh UpdatedAt, the shape every
// With* constructor starts from so callers never see partially-updated
// shared state.
func (f *Flow) clone() *Flow {
	c := *f
	c.UpdatedAt = time.Now()
	c.Tags = append([]string(nil), f.Tags...)
	c.AppliedRules = append([]string(nil), f.AppliedRules...)
	c.WSMessages = append([]WSMessage(nil), f.WSMessages...)
	return &c
}

// WithResponse returns a copy of f with resp attached and state advanced to
// Completed, preserving invariant (i): Completed implies a non-nil response.
func (f *Flow) WithResponse(resp *Response) *Flow {
	c := f.clone()
	c.Response = resp
	c.State = StateCompleted
	return c
}

// WithError returns a copy of f in the Failed state carrying err. Any bytes
// already captured in Response are preserved, per the partial-response
// propagation policy in §7.
func (f *Flow) WithError(err *Error) *Flow {
	c := f.clone()
	c.Err = err
	c.State = StateFailed
	return c
}

// WithWSMessage appends a WebSocket frame and returns the updated copy.
func (f *Flow) WithWSMessage(msg WSMessage) *Flow {
	c := f.clone()
	c.WSMessages = append(c.WSMessages, msg)
	return c
}

// WithState returns a copy of f with its state replaced, for transitions
// that don't carry a payload (Paused, Aborted, Modifying, Receiving).
func (f *Flow) WithState(s State) *Flow {
	c := f.clone()
	c.State = s
	return c
}

// WithAppliedRule records that ruleID fired against this flow.
func (f *Flow) WithAppliedRule(ruleID string) *Flow {
	c := f.clone()
	c.AppliedRules = append(c.AppliedRules, ruleID)
	return c
}

// WithOriginal preserves the pre-modification request/response, set once
// when a breakpoint or modify-rule first mutates a flow.
func (f *Flow) WithOriginal(req *Request, resp *Response) *Flow {
	c := f.clone()
	if req != nil {
		c.OriginalRequest = req
	}
	if resp != nil {
		c.OriginalResponse = resp
	}
	return c
}

// GroupHost returns the grouping key used to bucket flows by origin host.
func (f *Flow) GroupHost() string {
	if f.Request == nil {
		return ""
	}
	return f.Request.Host
}

// GroupPath returns the first path segment, or "/" if the path is empty or
// root.
func (f *Flow) GroupPath() string {
	if f.Request == nil || f.Request.Path == "" || f.Request.Path == "/" {
		return "/"
	}
	p := strings.TrimPrefix(f.Request.Path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return "/" + p
}

// DurationMs returns the elapsed time between request and response
// timestamps, or -1 if the flow has no response yet.
func (f *Flow) DurationMs() int64 {
	if f.Response == nil || f.Request == nil {
		return -1
	}
	return (f.Response.TimestampNs - f.Request.TimestampNs) / 1_000_000
}

// FormattedDuration renders DurationMs as a short human string ("342ms",
// "1.2s"), or "-" if unavailable.
func (f *Flow) FormattedDuration() string {
	ms := f.DurationMs()
	if ms < 0 {
		return "-"
	}
	if ms < 1000 {
		return itoa(int(ms)) + "ms"
	}
	return formatSeconds(ms)
}

func formatSeconds(ms int64) string {
	whole := ms / 1000
	tenths := (ms % 1000) / 100
	return itoa(int(whole)) + "." + itoa(int(tenths)) + "s"
}

// SizeBytes returns the combined request+response body size captured for
// this flow.
func (f *Flow) SizeBytes() int64 {
	var n int64
	if f.Request != nil {
		n += int64(len(f.Request.BodyBytes))
	}
	if f.Response != nil {
		n += int64(len(f.Response.BodyBytes))
	}
	return n
}

// FormattedSize renders SizeBytes in B/KB/MB units.
func (f *Flow) FormattedSize() string {
	n := f.SizeBytes()
	switch {
	case n < 1024:
		return itoa(int(n)) + "B"
	case n < 1024*1024:
		return formatSeconds(n*1000/1024) + "KB" // reuse the one-decimal formatter
	default:
		return formatSeconds(n*1000/(1024*1024)) + "MB"
	}
}

// DisplayStatus returns a short string summarizing the flow's outcome for
// list views: the HTTP status code when completed, or the current state.
func (f *Flow) DisplayStatus() string {
	if f.State == StateCompleted && f.Response != nil {
		return itoa(f.Response.StatusCode)
	}
	return string(f.State)
}
