package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/turnpikelabs/turnpike/pkg/config"
	"github.com/turnpikelabs/turnpike/pkg/logger"
)

const (
	defaultStartupTimeout = 20 * time.Second
	defaultCallTimeout    = 60 * time.Second
)

// MCPTool adapts one tool on a connected MCP session to the Tool
// interface.
type MCPTool struct {
	name        string
	description string
	parameters  map[string]any
	session     *mcp.ClientSession
	remoteName  string
	callTimeout time.Duration
}

func (t *MCPTool) Name() string               { return t.name }
func (t *MCPTool) Description() string        { return t.description }
func (t *MCPTool) Parameters() map[string]any { return t.parameters }

func (t *MCPTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	ctx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()

	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      t.remoteName,
		Arguments: args,
	})
	if err != nil {
		return &ToolResult{ForLLM: fmt.Sprintf("tool call failed: %v", err), IsError: true}
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return &ToolResult{ForLLM: text, IsError: true}
	}
	return &ToolResult{ForLLM: text}
}

func flattenContent(blocks []mcp.Content) string {
	var parts []string
	for _, c := range blocks {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// LoadMCPTools connects to every enabled MCP server and returns the tools
// they advertise. A server that fails to connect or list is logged and
// skipped; discovery never fails the turn. The bearer token, when set, is
// sent on HTTP transports as an Authorization header.
func LoadMCPTools(ctx context.Context, cfg config.MCPToolsConfig, bearerToken string) []Tool {
	if !cfg.Enabled {
		return nil
	}

	var loaded []Tool
	for _, server := range cfg.Servers {
		if !server.Enabled {
			continue
		}
		tools, err := loadServerTools(ctx, server, bearerToken)
		if err != nil {
			logger.WarnCF("tools", "MCP server discovery failed",
				map[string]any{"server": server.Name, "error": err.Error()})
			continue
		}
		logger.InfoCF("tools", "MCP server tools loaded",
			map[string]any{"server": server.Name, "count": len(tools)})
		loaded = append(loaded, tools...)
	}
	return loaded
}

func loadServerTools(ctx context.Context, server config.MCPServerConfig, bearerToken string) ([]Tool, error) {
	startupTimeout := defaultStartupTimeout
	if server.StartupTimeoutMS > 0 {
		startupTimeout = time.Duration(server.StartupTimeoutMS) * time.Millisecond
	}
	callTimeout := defaultCallTimeout
	if server.CallTimeoutMS > 0 {
		callTimeout = time.Duration(server.CallTimeoutMS) * time.Millisecond
	}

	transport, err := buildTransport(server, bearerToken)
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "turnpike", Version: "1.0.0"}, nil)

	connectCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	listCtx, cancelList := context.WithTimeout(ctx, startupTimeout)
	defer cancelList()
	res, err := session.ListTools(listCtx, nil)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		params, err := schemaToMap(t.InputSchema)
		if err != nil {
			logger.WarnCF("tools", "Skipping tool with unusable schema",
				map[string]any{"server": server.Name, "tool": t.Name, "error": err.Error()})
			continue
		}
		name := t.Name
		if server.ToolPrefix != "" {
			name = server.ToolPrefix + name
		}
		tools = append(tools, &MCPTool{
			name:        name,
			description: t.Description,
			parameters:  params,
			session:     session,
			remoteName:  t.Name,
			callTimeout: callTimeout,
		})
	}
	return tools, nil
}

func buildTransport(server config.MCPServerConfig, bearerToken string) (mcp.Transport, error) {
	switch server.Transport {
	case "command", "":
		if server.Command == "" {
			return nil, fmt.Errorf("server %s: command transport requires a command", server.Name)
		}
		cmd := exec.Command(server.Command, server.Args...)
		cmd.Env = os.Environ()
		for k, v := range server.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case "streamable_http":
		if server.URL == "" {
			return nil, fmt.Errorf("server %s: streamable_http transport requires a url", server.Name)
		}
		headers := make(map[string]string, len(server.Headers)+1)
		for k, v := range server.Headers {
			headers[k] = v
		}
		if bearerToken != "" {
			headers["Authorization"] = "Bearer " + bearerToken
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   server.URL,
			HTTPClient: &http.Client{Transport: &headerRoundTripper{headers: headers}},
		}, nil
	default:
		return nil, fmt.Errorf("server %s: unknown transport %q", server.Name, server.Transport)
	}
}

type headerRoundTripper struct {
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		clone.Header.Set(k, v)
	}
	return http.DefaultTransport.RoundTrip(clone)
}

func schemaToMap(schema any) (map[string]any, error) {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
