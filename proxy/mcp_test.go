package proxy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "fetchguard-test", Version: "0.1.0"}

func mcpSession(t *testing.T, h *Handler) *mcp.ClientSession {
	t.Helper()
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = h.MCPServer().Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callFetch(t *testing.T, session *mcp.ClientSession, args map[string]any) (*mcp.CallToolResult, fetchResponse) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "fetchguard_fetch",
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var resp fetchResponse
	if tc, ok := result.Content[0].(*mcp.TextContent); ok {
		json.Unmarshal([]byte(tc.Text), &resp)
	}
	return result, resp
}

func TestMCP_Fetch(t *testing.T) {
	srv := upstream(t)
	fl := newTestLog(t)
	session := mcpSession(t, New(newTestFetcher(t), WithFetchLog(fl)))

	result, resp := callFetch(t, session, map[string]any{"url": srv.URL + "/page"})
	if err := result.GetError(); err != nil {
		t.Fatalf("tool error: %v", err)
	}
	if resp.Outcome != "success" || resp.StatusCode != 202 || resp.BodyBase64 == "" {
		t.Fatalf("response = %+v", resp)
	}

	result, resp = callFetch(t, session, map[string]any{"url": "http://169.254.169.254/latest/"})
	if !result.IsError {
		t.Fatal("blocked fetch not flagged as error")
	}
	if resp.Outcome != "blocked" || resp.Reason == "" {
		t.Errorf("blocked payload = %+v", resp)
	}

	result, _ = callFetch(t, session, map[string]any{"url": ""})
	if !result.IsError {
		t.Error("empty url accepted")
	}

	if err := fl.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	entries, err := fl.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("logged %d fetches, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Transport != "mcp" {
			t.Errorf("transport = %q, want mcp", e.Transport)
		}
	}
}

func TestMCP_ListTools(t *testing.T) {
	session := mcpSession(t, New(newTestFetcher(t)))
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "fetchguard_fetch" {
		t.Fatalf("tools = %+v", res.Tools)
	}
}
