package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/fetchguard/fetchguard"
	"github.com/hazyhaar/fetchguard/kit"
)

// fetchResponse is the JSON rendering of an outcome.
type fetchResponse struct {
	Outcome    string              `json:"outcome"`
	StatusCode int                 `json:"status_code,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	BodyBase64 string              `json:"body_base64,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Chain      []string            `json:"chain"`
	RemoteAddr string              `json:"remote_addr,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	TraceID    string              `json:"trace_id,omitempty"`
}

func toResponse(ctx context.Context, out *fetchguard.Outcome) *fetchResponse {
	resp := &fetchResponse{
		Outcome:    out.Kind.String(),
		StatusCode: out.StatusCode,
		Reason:     out.Reason,
		Chain:      out.Chain,
		RemoteAddr: out.RemoteAddr,
		DurationMs: out.Duration.Milliseconds(),
		TraceID:    kit.GetTraceID(ctx),
	}
	if out.Kind == fetchguard.Success {
		resp.Headers = out.Header
		resp.BodyBase64 = base64.StdEncoding.EncodeToString(out.Body)
	}
	if resp.Chain == nil {
		resp.Chain = []string{}
	}
	return resp
}

// statusFor maps a non-success outcome to the status the proxy answers with.
func statusFor(out *fetchguard.Outcome) int {
	switch out.Kind {
	case fetchguard.Success:
		return http.StatusOK
	case fetchguard.Invalid:
		return http.StatusBadRequest
	case fetchguard.Blocked:
		return http.StatusForbidden
	case fetchguard.Overloaded:
		return http.StatusServiceUnavailable
	}
	if out.Reason == fetchguard.CauseTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fetchguard", "version": Version})
}

// handleRawFetch relays the upstream response itself. The body is served
// under a sandbox CSP with sniffing disabled so relayed HTML or scripts
// cannot act with the proxy's origin.
func (h *Handler) handleRawFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("url")
	if raw == "" {
		http.Error(w, "Invalid URL parameter.", http.StatusBadRequest)
		return
	}
	in := &fetchInput{URL: raw}
	if err := in.parseQuery(q); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	resp, _ := h.endpoint(r.Context(), in)
	out := resp.(*fetchguard.Outcome)
	if out.Kind != fetchguard.Success {
		h.writeOutcomeError(w, r, out)
		return
	}

	status := out.StatusCode
	if status < 200 || status > 599 {
		writeError(w, r, http.StatusBadGateway, fetchguard.Failed.String(), fetchguard.CauseBadRequest)
		return
	}

	hdr := w.Header()
	for name, values := range out.Header {
		if strings.HasPrefix(name, "Access-Control-") {
			continue
		}
		hdr[name] = values
	}
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Content-Security-Policy", "sandbox")
	hdr.Set("X-Fetchguard-Final-Url", out.Chain[len(out.Chain)-1])
	hdr.Set("Content-Length", strconv.Itoa(len(out.Body)))
	w.WriteHeader(status)
	w.Write(out.Body)
}

func (in *fetchInput) parseQuery(q url.Values) error {
	if v := q.Get("timeout_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("timeout_ms: not an integer")
		}
		in.TimeoutMs = &n
	}
	if v := q.Get("max_redirects"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("max_redirects: not an integer")
		}
		in.MaxRedirects = &n
	}
	if v := q.Get("max_body_bytes"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.New("max_body_bytes: not an integer")
		}
		in.MaxBodyBytes = &n
	}
	return nil
}

func (h *Handler) handleAPIFetch(w http.ResponseWriter, r *http.Request) {
	var in fetchInput
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "invalid", "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed JSON body")
		return
	}
	if in.URL == "" {
		writeError(w, r, http.StatusBadRequest, "invalid", "url is required")
		return
	}

	resp, _ := h.endpoint(r.Context(), &in)
	out := resp.(*fetchguard.Outcome)
	if out.Kind == fetchguard.Overloaded {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, statusFor(out), toResponse(r.Context(), out))
}

func (h *Handler) writeOutcomeError(w http.ResponseWriter, r *http.Request, out *fetchguard.Outcome) {
	if out.Kind == fetchguard.Overloaded {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, r, statusFor(out), out.Kind.String(), out.Reason)
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid", "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := h.fetchLog.Recent(r.Context(), limit)
	if err != nil {
		kit.Logger(r.Context()).Error("recent fetches", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "fetch log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fetches": entries, "count": len(entries)})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	stats, err := h.fetchLog.Stats(r.Context(), since)
	if err != nil {
		kit.Logger(r.Context()).Error("fetch stats", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "fetch log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseSince accepts a look-back duration ("1h") or an RFC 3339 time.
// Empty means the last 24 hours.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.Add(-24 * time.Hour), nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New("since must be a positive duration or an RFC 3339 time")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, reason string) {
	body := map[string]string{"error": kind, "reason": reason}
	if id := kit.GetTraceID(r.Context()); id != "" {
		body["trace_id"] = id
	}
	writeJSON(w, status, body)
}
