package archive

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/warcfed/kit"
	"github.com/hazyhaar/warcfed/observability"
	"github.com/hazyhaar/warcfed/replay"
)

// RegisterMCP registers the archive tools on an MCP server.
func (a *Archive) RegisterMCP(srv *mcp.Server) {
	a.registerCaptureTool(srv)
	a.registerReplayTool(srv)
	a.registerTimelineTool(srv)
	a.registerSearchTool(srv)
	a.registerPeersTool(srv)
	a.registerJoinTool(srv)
	a.registerSyncTool(srv)
	a.registerCheckTool(srv)
	a.registerStatsTool(srv)
	a.registerEventsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
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

func (a *Archive) tool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode kit.MCPDecoder) {
	kit.RegisterMCPTool(srv, tool, kit.Logging(a.logger, tool.Name)(endpoint), decode)
}

// --- capture ---

type captureToolRequest struct {
	URL         string `json:"url"`
	Content     string `json:"content"`
	Base64      bool   `json:"base64,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

func (a *Archive) registerCaptureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_capture",
		Description: "Archive one HTTP response body for a URL. Identical payloads are stored once.",
		InputSchema: inputSchema(map[string]any{
			"url":          map[string]any{"type": "string", "description": "Captured URL"},
			"content":      map[string]any{"type": "string", "description": "Response body (text, or base64 when base64=true)"},
			"base64":       map[string]any{"type": "boolean", "description": "content is base64-encoded"},
			"content_type": map[string]any{"type": "string", "description": "Response media type (default application/octet-stream)"},
			"status_code":  map[string]any{"type": "integer", "description": "HTTP status (default 200)"},
			"timestamp":    map[string]any{"type": "string", "description": "Capture time, RFC 3339 or YYYYMMDDhhmmss (default now)"},
		}, []string{"url", "content"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureToolRequest)
		payload := []byte(r.Content)
		if r.Base64 {
			b, err := base64.StdEncoding.DecodeString(r.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: content: %v", ErrValidation, err)
			}
			payload = b
		}
		var ts time.Time
		if r.Timestamp != "" {
			t, err := replay.ParseTimestamp(r.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrValidation, err)
			}
			ts = t
		}
		return a.Capture(ctx, CaptureRequest{
			URL: r.URL, Timestamp: ts, Payload: payload,
			ContentType: r.ContentType, StatusCode: r.StatusCode,
		})
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[captureToolRequest])
}

// --- replay ---

type replayToolRequest struct {
	URL       string `json:"url"`
	Timestamp string `json:"timestamp,omitempty"`
	MaxBytes  int    `json:"max_bytes,omitempty"`
}

type replayToolResponse struct {
	SnapshotID  string    `json:"snapshot_id"`
	URL         string    `json:"url"`
	Timestamp   time.Time `json:"timestamp"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Title       string    `json:"title,omitempty"`
	Size        int       `json:"size"`
	Content     string    `json:"content,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
}

func (a *Archive) registerReplayTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_replay",
		Description: "Return the archived version of a URL as it was at a given time. Text payloads are included.",
		InputSchema: inputSchema(map[string]any{
			"url":       map[string]any{"type": "string", "description": "Archived URL"},
			"timestamp": map[string]any{"type": "string", "description": "RFC 3339 or YYYY[MM[DD[hh[mm[ss]]]]] (default now)"},
			"max_bytes": map[string]any{"type": "integer", "description": "Cap on returned content (default 65536)"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*replayToolRequest)
		t := a.now()
		if r.Timestamp != "" {
			var err error
			if t, err = replay.ParseTimestamp(r.Timestamp); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrValidation, err)
			}
		}
		snap, rec, err := a.Replay(ctx, r.URL, t)
		if err != nil {
			return nil, err
		}
		limit := r.MaxBytes
		if limit <= 0 {
			limit = 64 << 10
		}
		resp := &replayToolResponse{
			SnapshotID: snap.ID, URL: snap.URL, Timestamp: snap.Timestamp,
			StatusCode: snap.StatusCode, ContentType: snap.ContentType, Title: snap.Title,
			Size: len(rec.Payload),
		}
		if isText(snap.ContentType) && utf8.Valid(rec.Payload) {
			body := rec.Payload
			if len(body) > limit {
				body, resp.Truncated = body[:limit], true
			}
			resp.Content = string(body)
		}
		return resp, nil
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[replayToolRequest])
}

func isText(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json") || strings.Contains(ct, "xml")
}

// --- timeline ---

type timelineToolRequest struct {
	URL   string `json:"url"`
	Limit int    `json:"limit,omitempty"`
}

func (a *Archive) registerTimelineTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_timeline",
		Description: "List the archived snapshots of a URL, newest first.",
		InputSchema: inputSchema(map[string]any{
			"url":   map[string]any{"type": "string", "description": "Archived URL"},
			"limit": map[string]any{"type": "integer", "description": "Max snapshots (default 100)"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*timelineToolRequest)
		return a.Timeline(ctx, r.URL, r.Limit)
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[timelineToolRequest])
}

// --- search ---

type searchToolRequest struct {
	Query     string `json:"query"`
	Federated bool   `json:"federated,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (a *Archive) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_search",
		Description: "Search archived URLs and page titles, locally or across all active peers.",
		InputSchema: inputSchema(map[string]any{
			"query":     map[string]any{"type": "string", "description": "Search terms"},
			"federated": map[string]any{"type": "boolean", "description": "Also query active peers"},
			"limit":     map[string]any{"type": "integer", "description": "Max local hits (default 20)"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*searchToolRequest)
		if r.Federated {
			return a.FederatedSearch(ctx, r.Query)
		}
		return a.Search(ctx, r.Query, r.Limit)
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[searchToolRequest])
}

// --- peers ---

func (a *Archive) registerPeersTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_peers",
		Description: "List every known peer with its status.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"local_node_id": a.NodeID(), "peers": a.peers.All()}, nil
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[struct{}])
}

type eventsToolRequest struct {
	Type  string `json:"type,omitempty"`
	Peer  string `json:"peer,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (a *Archive) registerEventsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_events",
		Description: "Recent node events: handshakes, bans, per-peer sync results and integrity checks.",
		InputSchema: inputSchema(map[string]any{
			"type":  map[string]any{"type": "string", "description": "peer_handshake, peer_banned, sync_peer or integrity_check"},
			"peer":  map[string]any{"type": "string", "description": "Only events about this peer"},
			"limit": map[string]any{"type": "integer", "description": "Max events (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*eventsToolRequest)
		return a.Events(ctx, observability.EventFilter{Type: r.Type, Peer: r.Peer, Limit: r.Limit})
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[eventsToolRequest])
}

type joinToolRequest struct {
	Endpoint string `json:"endpoint"`
}

func (a *Archive) registerJoinTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_join",
		Description: "Handshake with the node at an endpoint and add it as a peer.",
		InputSchema: inputSchema(map[string]any{
			"endpoint": map[string]any{"type": "string", "description": "Base URL of the remote node"},
		}, []string{"endpoint"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*joinToolRequest)
		if a.config.PublicEndpoint == "" {
			return nil, fmt.Errorf("%w: public_endpoint is not configured", ErrValidation)
		}
		return a.Join(ctx, strings.TrimRight(r.Endpoint, "/"))
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[joinToolRequest])
}

// --- sync, check, stats ---

func (a *Archive) registerSyncTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_sync",
		Description: "Run one federation sync cycle now and report what was fetched.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		rep, err := a.SyncNow(ctx)
		if err != nil {
			a.logger.Warn("archive: sync tool finished with errors", "error", err)
		}
		return rep, nil
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[struct{}])
}

func (a *Archive) registerCheckTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_check",
		Description: "Verify that every snapshot points at a complete, valid block in the record log.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return a.Check(ctx)
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[struct{}])
}

func (a *Archive) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "warcfed_stats",
		Description: "Snapshot, payload and peer counts for this node.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return a.Stats(ctx)
	}

	a.tool(srv, tool, endpoint, kit.DecodeArgs[struct{}])
}
