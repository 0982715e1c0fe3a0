package httpcodec

import (
	"strings"

	"github.com/syrahproxy/syrah/internal/flow"
)

// hopByHopHeaders lists headers that are valid for a single transport hop
// only and must never be forwarded upstream or back to the client, per
// §4.F. Grounded directly in the teacher's proxy.hopByHopHeaders.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h in place, including any
// headers the Connection header itself names. An in-progress WebSocket
// upgrade is exempted: Connection/Upgrade are left intact so the upgrade
// can be forwarded.
func StripHopByHop(h *flow.Headers, isWebSocketUpgrade bool) {
	if conn, ok := h.Get("Connection"); ok {
		for _, name := range strings.Split(conn, ",") {
			name = strings.TrimSpace(name)
			if name != "" && !isWebSocketUpgrade {
				h.Del(name)
			}
		}
	}
	if isWebSocketUpgrade {
		return
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// IsWebSocketUpgrade reports whether h carries a WebSocket upgrade request
// or response (Connection: Upgrade + Upgrade: websocket, case-insensitive).
func IsWebSocketUpgrade(h *flow.Headers) bool {
	conn, _ := h.Get("Connection")
	upgrade, _ := h.Get("Upgrade")
	return strings.Contains(strings.ToLower(conn), "upgrade") && strings.EqualFold(upgrade, "websocket")
}
