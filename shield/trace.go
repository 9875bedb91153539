package shield

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/hazyhaar/fetchguard/idgen"
	"github.com/hazyhaar/fetchguard/kit"
)

// TraceHeader carries the trace ID in both directions.
const TraceHeader = "X-Trace-ID"

// TraceID tags each request with a trace ID and a request-scoped logger.
// A well-formed inbound X-Trace-ID is kept so a caller can correlate its own
// logs; anything else is replaced. The ID is echoed in the response.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if !idgen.ValidTrace(id) {
			id = idgen.Trace()
		}
		ip := ExtractIP(r)

		logger := slog.Default().With("trace_id", id)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote_addr", ip)

		ctx := kit.WithTraceID(r.Context(), id)
		ctx = kit.WithRemoteAddr(ctx, ip)
		ctx = kit.WithLogger(ctx, logger)
		w.Header().Set(TraceHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractIP returns the peer address of r without its port. Forwarding
// headers are not consulted here; deployments behind a trusted proxy enable
// chi's RealIP middleware, which rewrites RemoteAddr first.
func ExtractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
