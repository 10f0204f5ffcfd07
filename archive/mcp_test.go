package archive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func mcpSession(t *testing.T, a *Archive) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "warcfed-test", Version: "0.0.1"}
	srv := mcp.NewServer(impl, nil)
	a.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, s *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool %s: %v", name, err)
	}
	return res.Content[0].(*mcp.TextContent).Text, res.IsError
}

func TestMCP_CaptureReplay(t *testing.T) {
	// WHAT: A page captured through the capture tool comes back through the
	// replay tool with its text content.
	// WHY: Agents use these two tools to archive and read pages.
	a := newTestArchive(t, "node-a", nil)
	s := mcpSession(t, a)

	text, isErr := callTool(t, s, "warcfed_capture", map[string]any{
		"url":          "https://example.org/doc",
		"content":      base64.StdEncoding.EncodeToString([]byte(page)),
		"base64":       true,
		"content_type": "text/html",
		"timestamp":    "20260501100000",
	})
	if isErr {
		t.Fatalf("capture: %s", text)
	}

	text, isErr = callTool(t, s, "warcfed_replay", map[string]any{
		"url":       "https://example.org/doc",
		"timestamp": "2026",
		"max_bytes": 10,
	})
	if isErr {
		t.Fatalf("replay: %s", text)
	}
	var got replayToolResponse
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatal(err)
	}
	if got.Title != "Example page" || got.Size != len(page) {
		t.Fatalf("replay: %+v", got)
	}
	if !got.Truncated || got.Content != page[:10] {
		t.Fatalf("content %q truncated=%v", got.Content, got.Truncated)
	}
}

func TestMCP_Errors(t *testing.T) {
	a := newTestArchive(t, "node-a", nil)
	s := mcpSession(t, a)

	if text, isErr := callTool(t, s, "warcfed_replay", map[string]any{"url": "https://example.org/none"}); !isErr {
		t.Fatalf("replay of unknown url succeeded: %s", text)
	}
	if text, isErr := callTool(t, s, "warcfed_capture", map[string]any{"url": "nope", "content": "x"}); !isErr {
		t.Fatalf("capture of invalid url succeeded: %s", text)
	}
	if text, isErr := callTool(t, s, "warcfed_join", map[string]any{"endpoint": "http://127.0.0.1:1"}); !isErr {
		t.Fatalf("join without public endpoint succeeded: %s", text)
	}
}

func TestMCP_Stats(t *testing.T) {
	a := newTestArchive(t, "node-a", nil)
	s := mcpSession(t, a)
	callTool(t, s, "warcfed_capture", map[string]any{"url": "https://example.org/", "content": page})
	callTool(t, s, "warcfed_capture", map[string]any{"url": "https://example.org/", "content": page})

	text, isErr := callTool(t, s, "warcfed_stats", map[string]any{})
	if isErr {
		t.Fatalf("stats: %s", text)
	}
	var st Stats
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatal(err)
	}
	if st.NodeID != "node-a" || st.Snapshots != 2 || st.Payloads != 1 {
		t.Fatalf("stats: %+v", st)
	}

	text, isErr = callTool(t, s, "warcfed_check", map[string]any{})
	if isErr {
		t.Fatalf("check: %s", text)
	}
	var rep CheckReport
	json.Unmarshal([]byte(text), &rep)
	if rep.Snapshots != 2 || rep.Failed != 0 {
		t.Fatalf("check: %+v", rep)
	}
}
