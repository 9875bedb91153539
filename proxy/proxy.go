// Package proxy exposes the guarded fetcher over HTTP and MCP.
//
// Routes:
//
//	GET  /health        liveness
//	GET  /fetch?url=    raw passthrough of the upstream response
//	POST /api/fetch     JSON outcome (body base64-encoded)
//	GET  /api/fetches   recent fetch log (API key when configured)
//	GET  /api/stats     outcome counts (API key when configured)
//	     /mcp           MCP streamable HTTP, tool fetchguard_fetch
//
// Every transport goes through one kit.Endpoint, so HTTP and MCP fetches
// are recorded in the fetch log the same way.
package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fetchguard/fetchguard"
	"github.com/hazyhaar/fetchguard/kit"
	"github.com/hazyhaar/fetchguard/observability"
	"github.com/hazyhaar/fetchguard/shield"
)

// Version is reported by /health and the MCP server.
const Version = "1.0.0"

// Handler serves the proxy routes.
type Handler struct {
	fetcher  *fetchguard.Fetcher
	cfg      fetchguard.Config
	fetchLog *observability.FetchLog
	auth     *shield.KeyAuth
	endpoint kit.Endpoint
	mcp      *mcp.Server
}

// Option configures a Handler.
type Option func(*Handler)

// WithFetchLog records every fetch and enables the admin routes.
func WithFetchLog(l *observability.FetchLog) Option { return func(h *Handler) { h.fetchLog = l } }

// WithKeyAuth protects the admin routes.
func WithKeyAuth(a *shield.KeyAuth) Option { return func(h *Handler) { h.auth = a } }

// New builds a Handler around f.
func New(f *fetchguard.Fetcher, opts ...Option) *Handler {
	h := &Handler{fetcher: f, cfg: f.Config()}
	for _, o := range opts {
		o(h)
	}
	h.endpoint = kit.Chain(h.recordFetch)(h.fetch)
	h.mcp = mcp.NewServer(&mcp.Implementation{Name: "fetchguard", Version: Version}, nil)
	registerTools(h.mcp, h.endpoint)
	return h
}

// MCPServer returns the MCP server carrying the fetch tool.
func (h *Handler) MCPServer() *mcp.Server { return h.mcp }

// Routes mounts the proxy on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/fetch", h.handleRawFetch)
	r.Post("/api/fetch", h.handleAPIFetch)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return h.mcp }, nil))

	if h.fetchLog != nil {
		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)
			r.Get("/api/fetches", h.handleRecent)
			r.Get("/api/stats", h.handleStats)
		})
	}
}

// fetchInput is the request shared by every transport.
type fetchInput struct {
	URL          string `json:"url"`
	TimeoutMs    *int   `json:"timeout_ms,omitempty"`
	MaxRedirects *int   `json:"max_redirects,omitempty"`
	MaxBodyBytes *int64 `json:"max_body_bytes,omitempty"`
}

func (in *fetchInput) overrides() fetchguard.Overrides {
	o := fetchguard.Overrides{MaxRedirects: in.MaxRedirects, MaxBodyBytes: in.MaxBodyBytes}
	if in.TimeoutMs != nil {
		d := time.Duration(*in.TimeoutMs) * time.Millisecond
		o.Timeout = &d
	}
	return o
}

// fetch is the core endpoint. It always succeeds at the transport level;
// the outcome carries the result.
func (h *Handler) fetch(ctx context.Context, req any) (any, error) {
	in := req.(*fetchInput)
	out := h.fetcher.Fetch(ctx, fetchguard.NewRequest(&h.cfg, in.URL, in.overrides()))
	return &out, nil
}

func (h *Handler) recordFetch(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		resp, err := next(ctx, req)
		if h.fetchLog == nil {
			return resp, err
		}
		if out, ok := resp.(*fetchguard.Outcome); ok {
			h.fetchLog.Record(entryFor(ctx, req.(*fetchInput), out))
		}
		return resp, err
	}
}

func entryFor(ctx context.Context, in *fetchInput, out *fetchguard.Outcome) observability.Entry {
	client := kit.GetClientID(ctx)
	if client == "" {
		client = kit.GetRemoteAddr(ctx)
	}
	e := observability.Entry{
		TraceID:    kit.GetTraceID(ctx),
		Client:     client,
		Transport:  kit.GetTransport(ctx),
		URL:        fetchguard.TruncateURL(in.URL),
		Outcome:    out.Kind.String(),
		Reason:     out.Reason,
		Status:     out.StatusCode,
		Bytes:      len(out.Body),
		Hops:       max(len(out.Chain)-1, 0),
		RemoteAddr: out.RemoteAddr,
		DurationMs: out.Duration.Milliseconds(),
	}
	if n := len(out.Chain); n > 0 {
		e.FinalURL = fetchguard.TruncateURL(out.Chain[n-1])
	}
	return e
}
