// Package proxy drives the multi-turn completion loop: it federates
// MCP tools into the request, relays upstream SSE to the caller, and
// dispatches tool calls on the model's behalf.
package proxy

import (
	"net/http"

	"github.com/janwilmake/mcp-completions/internal/config"
	"github.com/janwilmake/mcp-completions/internal/mcp"
	"github.com/janwilmake/mcp-completions/internal/upstream"
	"github.com/janwilmake/mcp-completions/internal/urlcontext"
)

// Engine holds the per-process collaborators of the completion loop.
type Engine struct {
	cfg      *config.ServerConfig
	mcp      *mcp.Manager
	upstream *upstream.Client
	urlctx   *urlcontext.Fetcher
}

// NewEngine wires an engine from configuration.
func NewEngine(cfg *config.ServerConfig) *Engine {
	return &Engine{
		cfg: cfg,
		mcp: mcp.NewManager(mcp.ClientInfo{
			Name:    cfg.ClientInfo.Name,
			Version: cfg.ClientInfo.Version,
		}, nil),
		upstream: upstream.NewClient(cfg.UpstreamURL, cfg.Verbose, nil),
		urlctx:   urlcontext.NewFetcher(nil),
	}
}

// newEngineWithClients is the test seam for injecting HTTP clients.
func newEngineWithClients(cfg *config.ServerConfig, mcpClient, upstreamClient, urlClient *http.Client) *Engine {
	return &Engine{
		cfg: cfg,
		mcp: mcp.NewManager(mcp.ClientInfo{
			Name:    cfg.ClientInfo.Name,
			Version: cfg.ClientInfo.Version,
		}, mcpClient),
		upstream: upstream.NewClient(cfg.UpstreamURL, cfg.Verbose, upstreamClient),
		urlctx:   urlcontext.NewFetcher(urlClient),
	}
}
