package proxy

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fetchguard/fetchguard"
	"github.com/hazyhaar/fetchguard/kit"
)

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func registerTools(srv *mcp.Server, endpoint kit.Endpoint) {
	tool := &mcp.Tool{
		Name: "fetchguard_fetch",
		Description: "Fetch a public http(s) URL through the SSRF guard. Internal, loopback, " +
			"link-local and metadata destinations are refused, including via redirects. " +
			"Returns the outcome, upstream status, headers and base64 body.",
		InputSchema: inputSchema(map[string]any{
			"url":            map[string]any{"type": "string", "description": "Absolute http or https URL"},
			"timeout_ms":     map[string]any{"type": "integer", "description": "Deadline for the whole fetch; capped by the server"},
			"max_redirects":  map[string]any{"type": "integer", "description": "Redirect hop limit; capped by the server"},
			"max_body_bytes": map[string]any{"type": "integer", "description": "Body size limit; capped by the server"},
		}, []string{"url"}),
	}

	toolEndpoint := func(ctx context.Context, req any) (any, error) {
		resp, err := endpoint(ctx, req)
		if err != nil {
			return nil, err
		}
		out := resp.(*fetchguard.Outcome)
		body := toResponse(ctx, out)
		if out.Kind != fetchguard.Success {
			return nil, &kit.ToolError{Payload: body, Err: out.Err()}
		}
		return body, nil
	}

	decode := func(req *mcp.CallToolRequest) (any, error) {
		var in fetchInput
		if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
			return nil, err
		}
		if in.URL == "" {
			return nil, errors.New("url is required")
		}
		return &in, nil
	}

	kit.RegisterMCPTool(srv, tool, toolEndpoint, decode)
}
