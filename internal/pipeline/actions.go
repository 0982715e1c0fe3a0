package pipeline

import (
	"os"
	"strings"

	"github.com/syrahproxy/syrah/internal/flow"
)

// actionOutcome is what applying a rule's action did to in-flight
// processing, per §4.H step 2's per-type effects.
type actionOutcome struct {
	synthesizedResponse *flow.Response // non-nil for Block/MapLocal
	shouldBreakpoint    bool
	ruleFailed          *flow.Error
}

// applyRequestAction mutates req in place (headers/body rewrite) or returns
// a synthesized response, matching §4.H's seven request-phase action kinds.
func applyRequestAction(rule *flow.Rule, req *flow.Request) actionOutcome {
	switch rule.Type {
	case flow.RuleBlock:
		return actionOutcome{synthesizedResponse: blockResponse(rule.Action)}
	case flow.RuleMapRemote:
		applyMapRemote(rule.Action, req)
		return actionOutcome{}
	case flow.RuleMapLocal:
		resp, err := mapLocalResponse(rule.Action)
		if err != nil {
			return actionOutcome{ruleFailed: flow.NewError(flow.ErrorKindRuleActionFailed, err.Error())}
		}
		return actionOutcome{synthesizedResponse: resp}
	case flow.RuleModifyHeaders:
		applyModifyHeaders(rule.Action, req.Headers)
		return actionOutcome{}
	case flow.RuleModifyBody:
		req.BodyBytes = applyModifyBody(rule.Action, req.BodyBytes)
		req.ContentLength = int64(len(req.BodyBytes))
		return actionOutcome{}
	case flow.RuleBreakpoint:
		return actionOutcome{shouldBreakpoint: true}
	case flow.RuleScript:
		// Opaque host-side transformation; sandboxing policy is deliberately
		// left to the implementation per the spec's open question (iii).
		return actionOutcome{}
	default:
		return actionOutcome{}
	}
}

// applyResponseAction is applyRequestAction's response-phase counterpart;
// Block/MapRemote/MapLocal only make sense on the request side, so they're
// no-ops here.
func applyResponseAction(rule *flow.Rule, resp *flow.Response) actionOutcome {
	switch rule.Type {
	case flow.RuleModifyHeaders:
		applyModifyHeaders(rule.Action, resp.Headers)
		return actionOutcome{}
	case flow.RuleModifyBody:
		resp.BodyBytes = applyModifyBody(rule.Action, resp.BodyBytes)
		return actionOutcome{}
	case flow.RuleBreakpoint:
		return actionOutcome{shouldBreakpoint: true}
	default:
		return actionOutcome{}
	}
}

func blockResponse(a flow.Action) *flow.Response {
	status := a.BlockStatus
	if status == 0 {
		status = 403
	}
	h := flow.NewHeaders()
	h.Set("Content-Length", itoa(len(a.BlockBody)))
	return &flow.Response{
		StatusCode:    status,
		StatusMessage: statusText(status),
		Headers:       h,
		BodyBytes:     a.BlockBody,
	}
}

func applyMapRemote(a flow.Action, req *flow.Request) {
	if a.RemoteHost != "" {
		req.Host = a.RemoteHost
	}
	if a.RemotePort != 0 {
		req.Port = a.RemotePort
	}
	if !a.PreservePathAndQuery {
		req.Path = "/"
		req.QueryString = ""
	}
}

func mapLocalResponse(a flow.Action) (*flow.Response, error) {
	body, err := os.ReadFile(a.LocalFilePath)
	if err != nil {
		return nil, err
	}
	status := a.LocalStatus
	if status == 0 {
		status = 200
	}
	h := flow.NewHeaders()
	if a.LocalContentType != "" {
		h.Set("Content-Type", a.LocalContentType)
	}
	h.Set("Content-Length", itoa(len(body)))
	return &flow.Response{
		StatusCode:    status,
		StatusMessage: statusText(status),
		Headers:       h,
		BodyBytes:     body,
	}, nil
}

func applyModifyHeaders(a flow.Action, h *flow.Headers) {
	for _, name := range a.RemoveHeaders {
		h.Del(name)
	}
	for name, value := range a.SetHeaders {
		h.Set(name, value)
	}
}

func applyModifyBody(a flow.Action, body []byte) []byte {
	if a.ReplaceBody != nil {
		return a.ReplaceBody
	}
	s := string(body)
	for _, pair := range a.FindReplace {
		s = strings.ReplaceAll(s, pair[0], pair[1])
	}
	return []byte(s)
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 451:
		return "Unavailable For Legal Reasons"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Status " + itoa(code)
	}
}
