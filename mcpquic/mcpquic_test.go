package mcpquic

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fetchguard/kit"
)

func TestMagicBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != MagicBytesMCP {
		t.Fatalf("magic = %q", buf.String())
	}
	if err := ValidateMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}

	for _, in := range []string{"HTTP", "MC", ""} {
		err := ValidateMagicBytes(strings.NewReader(in))
		if !errors.Is(err, ErrInvalidMagicBytes) {
			t.Errorf("ValidateMagicBytes(%q) = %v", in, err)
		}
	}
}

func TestQUICConfig(t *testing.T) {
	cfg := QUICConfig()
	if cfg.MaxIdleTimeout != DefaultIdleTimeout || cfg.KeepAlivePeriod != DefaultKeepAlive {
		t.Fatalf("timeouts = %v / %v", cfg.MaxIdleTimeout, cfg.KeepAlivePeriod)
	}
	if cfg.Allow0RTT {
		t.Fatal("0-RTT enabled")
	}
}

func TestTLSConfigs(t *testing.T) {
	cfg, err := SelfSignedTLSConfig("localhost", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	leaf := cfg.Certificates[0].Leaf
	if leaf == nil || len(leaf.DNSNames) != 1 || len(leaf.IPAddresses) != 1 {
		t.Fatalf("leaf = %+v", leaf)
	}
	if cfg.MinVersion != 0x0304 || cfg.NextProtos[0] != ALPNProtocolMCP {
		t.Fatalf("min version %x, alpn %v", cfg.MinVersion, cfg.NextProtos)
	}
	if !ClientTLSConfig(true).InsecureSkipVerify || ClientTLSConfig(false).InsecureSkipVerify {
		t.Fatal("ClientTLSConfig insecure flag not applied")
	}
	if NewClient("localhost:1", nil).tlsCfg.InsecureSkipVerify {
		t.Fatal("default client config skips verification")
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("localhost:1", nil)
	ctx := context.Background()
	if _, err := c.ListTools(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ListTools err = %v", err)
	}
	if _, err := c.CallTool(ctx, "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("CallTool err = %v", err)
	}
}

func TestSession_RoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := mcp.NewServer(&mcp.Implementation{Name: "quic-test", Version: "0.1.0"}, nil)
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "whoami",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, _ any) (any, error) {
		return map[string]string{
			"transport": kit.GetTransport(ctx),
			"trace":     kit.GetTraceID(ctx),
			"remote":    kit.GetRemoteAddr(ctx),
		}, nil
	}, func(*mcp.CallToolRequest) (any, error) { return nil, nil })

	tlsCfg, err := SelfSignedTLSConfig("localhost", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	ln, err := NewListener("127.0.0.1:0", tlsCfg, srv, logger,
		WithIDGenerator(func() string { return "trc_session" }))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { ln.Serve(ctx); close(done) }()

	pool := x509.NewCertPool()
	pool.AddCert(tlsCfg.Certificates[0].Leaf)
	clientCfg := ClientTLSConfig(false)
	clientCfg.RootCAs = pool
	clientCfg.ServerName = "127.0.0.1"

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dialCancel()
	client := NewClient(ln.Addr().String(), clientCfg)
	if err := client.Connect(dialCtx); err != nil {
		t.Fatal(err)
	}

	tools, err := client.ListTools(dialCtx)
	if err != nil || len(tools.Tools) != 1 {
		t.Fatalf("ListTools = %v, %v", tools, err)
	}
	res, err := client.CallTool(dialCtx, "whoami", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if err := res.GetError(); err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &got); err != nil {
		t.Fatal(err)
	}
	if got["transport"] != "mcp_quic" || got["trace"] != "trc_session" || got["remote"] != "127.0.0.1" {
		t.Errorf("session context = %v", got)
	}

	client.Close()
	cancel()
	ln.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
