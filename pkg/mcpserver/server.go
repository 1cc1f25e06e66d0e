// Package mcpserver exposes the engine's record/recall/predict_next
// operations as MCP tools for a coding-agent host. It holds no engine
// logic of its own: every tool handler validates its arguments, calls
// straight through to Backend, and translates the result into MCP
// content blocks.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mnemo-db/mnemo/pkg/boundary"
	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/engine"
)

const (
	toolRecord      = "mnemo_record"
	toolRecall      = "mnemo_recall"
	toolPredictNext = "mnemo_predict_next"
)

// Config controls MCP route behavior.
type Config struct {
	APIKey         string
	Stateless      bool
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedTools   []string
}

// Backend is the minimal capability contract the MCP tools depend on.
// *engine.Engine satisfies it directly; the tool handlers below never
// reach past this interface into engine internals.
type Backend interface {
	Record(ctx context.Context, path string, t core.NeuronType, query string, at time.Time) (*core.Neuron, error)
	Recall(ctx context.Context, query string, tokenBudget, limit int, typeFilter core.NeuronType) ([]boundary.RecallResult, error)
	PredictNext(ctx context.Context) (tools, files []engine.Prediction, err error)
}

// NewHandler builds an MCP streamable HTTP handler with optional
// API-key auth and endpoint-local rate limiting.
func NewHandler(cfg Config, backend Backend) (http.Handler, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := mcpserver.NewMCPServer(
		"mnemo-mcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	registerTools(s, backend, cfg.AllowedTools)

	streamable := mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(cfg.Stateless))
	var h http.Handler = http.HandlerFunc(streamable.ServeHTTP)

	if strings.TrimSpace(cfg.APIKey) != "" {
		h = apiKeyMiddleware(strings.TrimSpace(cfg.APIKey), h)
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		h = rateLimitMiddleware(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), h)
	}

	return h, nil
}

func registerTools(s *mcpserver.MCPServer, backend Backend, allowed []string) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name != "" {
			allowedSet[name] = struct{}{}
		}
	}
	isAllowed := func(name string) bool {
		if len(allowedSet) == 0 {
			return true
		}
		_, ok := allowedSet[name]
		return ok
	}

	if isAllowed(toolRecord) {
		s.AddTool(mcpproto.NewTool(toolRecord,
			mcpproto.WithDescription("Record that a file, tool call, or error was touched during this coding session."),
			mcpproto.WithString("path", mcpproto.Required(), mcpproto.Description("File path, tool name, or raw error text.")),
			mcpproto.WithString("type", mcpproto.Description("One of file, tool, error, semantic. Defaults to file.")),
			mcpproto.WithString("query", mcpproto.Description("The query or task description in effect when this was touched, if any.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			path := getString(args, "path", "")
			if strings.TrimSpace(path) == "" {
				return errResult("path is required"), nil
			}
			typ := core.NeuronType(getString(args, "type", string(core.NeuronFile)))
			if !typ.Valid() {
				return errResult(fmt.Sprintf("invalid type %q", typ)), nil
			}
			query := getString(args, "query", "")

			neuron, err := backend.Record(ctx, path, typ, query, time.Now())
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("recorded", neuron)
		})
	}

	if isAllowed(toolRecall) {
		s.AddTool(mcpproto.NewTool(toolRecall,
			mcpproto.WithDescription("Recall files, tools, or errors related to a query from past sessions."),
			mcpproto.WithString("query", mcpproto.Required(), mcpproto.Description("The current task description or search query.")),
			mcpproto.WithNumber("token_budget", mcpproto.Description("Token budget for the assembled recall (optional).")),
			mcpproto.WithNumber("limit", mcpproto.Description("Maximum results to return (optional).")),
			mcpproto.WithString("type", mcpproto.Description("Restrict results to one neuron type: file, tool, error, semantic (optional).")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			query := getString(args, "query", "")
			if strings.TrimSpace(query) == "" {
				return errResult("query is required"), nil
			}
			tokenBudget := getInt(args, "token_budget", 0)
			limit := getInt(args, "limit", 0)
			typeFilter := core.NeuronType(getString(args, "type", ""))
			if typeFilter != "" && !typeFilter.Valid() {
				return errResult(fmt.Sprintf("invalid type %q", typeFilter)), nil
			}

			results, err := backend.Recall(ctx, query, tokenBudget, limit, typeFilter)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult(fmt.Sprintf("recalled %d results", len(results)), results)
		})
	}

	if isAllowed(toolPredictNext) {
		s.AddTool(mcpproto.NewTool(toolPredictNext,
			mcpproto.WithDescription("Predict the next tool calls and files likely to follow the most recent tool call."),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			tools, files, err := backend.PredictNext(ctx)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("predicted next steps", map[string]any{
				"tools": tools,
				"files": files,
			})
		})
	}
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func getInt(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return int(v)
}

func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}

		if provided == "" || provided != expected {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rateLimitEntry struct {
	tokens float64
	last   time.Time
}

type rateLimiter struct {
	rps   float64
	burst float64

	mu      sync.Mutex
	clients map[string]rateLimitEntry
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:     rps,
		burst:   float64(burst),
		clients: make(map[string]rateLimitEntry),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[key]
	if !ok {
		rl.clients[key] = rateLimitEntry{tokens: rl.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(entry.last).Seconds()
	entry.tokens = math.Min(rl.burst, entry.tokens+elapsed*rl.rps)
	entry.last = now
	if entry.tokens < 1 {
		rl.clients[key] = entry
		return false
	}
	entry.tokens -= 1
	rl.clients[key] = entry
	return true
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r)
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if strings.TrimSpace(r.RemoteAddr) != "" {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return "unknown"
}
