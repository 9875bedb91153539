package fetchguard

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopHeaders are meaningful for a single connection only (RFC 9110 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// originHeaders would otherwise bind state or policy to the proxy's origin.
var originHeaders = []string{
	"Set-Cookie",
	"Set-Cookie2",
	"Alt-Svc",
	"Strict-Transport-Security",
	"Clear-Site-Data",
	"Content-Length", // recomputed from the bounded body
}

// internalPrefix marks headers the proxy sets itself; upstream copies are dropped.
const internalPrefix = "X-Fetchguard-"

// FilterHeaders returns a copy of h without hop-by-hop headers, headers named
// in Connection, cookies, and other headers that must not be relayed.
func FilterHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); httpguts.ValidHeaderFieldName(name) {
				out.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	for _, name := range originHeaders {
		out.Del(name)
	}
	for name := range out {
		if strings.HasPrefix(name, internalPrefix) {
			delete(out, name)
		}
	}
	return out
}
