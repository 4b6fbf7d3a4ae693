// Package toolset binds the gateway's MCP tool catalog to the platform
// client. The catalog is deliberately small: flows and runs cover the
// platform surface the primary integrator uses.
//
// Read-only tools work on whatever credentials resolve for the session,
// including the process-wide default. Mutating tools demand an explicitly
// authenticated session and answer with instructions for establishing one
// rather than a bare failure.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/invopop/jsonschema"
	"github.com/tidwall/gjson"

	"github.com/ariekogan/ateam-mcp/mcp"
	"github.com/ariekogan/ateam-mcp/platform"
	"github.com/ariekogan/ateam-mcp/sessions"
)

// Registry is the tool catalog, constructed once and shared by both
// transports.
type Registry struct {
	pc            *platform.Client
	sm            *sessions.Manager
	issuerURL     string
	oauthDisabled bool
	log           *slog.Logger

	tools []toolDef
}

type toolDef struct {
	tool  mcp.Tool
	gated bool
	run   func(ctx context.Context, sessionID string, args gjson.Result) (*mcp.CallToolResult, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithOAuthDisabled switches the authentication-required guidance to point
// at the environment credentials instead of an authorization endpoint that
// is not mounted in that mode.
func WithOAuthDisabled() Option {
	return func(r *Registry) { r.oauthDisabled = true }
}

// NewRegistry builds the catalog. issuerURL is the gateway's public base
// URL, used in authentication-required guidance.
func NewRegistry(pc *platform.Client, sm *sessions.Manager, issuerURL string, opts ...Option) *Registry {
	r := &Registry{pc: pc, sm: sm, issuerURL: issuerURL, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.register()
	return r
}

// List returns the catalog for tools/list.
func (r *Registry) List() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.tools))
	for _, td := range r.tools {
		out = append(out, td.tool)
	}
	return out
}

// Call dispatches a tools/call request for the given session. Tool-level
// failures come back inside the result with IsError set; only malformed
// requests surface as errors to the RPC layer.
func (r *Registry) Call(ctx context.Context, sessionID string, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var td *toolDef
	for i := range r.tools {
		if r.tools[i].tool.Name == req.Name {
			td = &r.tools[i]
			break
		}
	}
	if td == nil {
		return nil, fmt.Errorf("unknown tool: %s", req.Name)
	}

	r.sm.Touch(sessionID, sessions.TouchUpdate{Tool: req.Name})

	if td.gated && !r.sm.Credentials(sessionID).Explicit {
		if r.oauthDisabled {
			return errResult("This operation requires credentials. The gateway is " +
				"running without its authorization flow; set ATEAM_API_KEY (and " +
				"ATEAM_DEFAULT_TEAM) in the gateway environment to enable mutating tools."), nil
		}
		return errResult("This operation requires an authenticated session. " +
			"Connect this client through the gateway's authorization flow at " +
			r.issuerURL + "/authorize (your MCP client starts it automatically when " +
			"you re-add the connector), or run read-only tools with the " +
			"environment-supplied key."), nil
	}

	args := gjson.ParseBytes(req.Arguments)
	res, err := td.run(ctx, sessionID, args)
	if err != nil {
		// Platform and transport failures are tool-level: the model should
		// see the hint text, not a protocol error.
		r.log.Warn("tool.call.fail", slog.String("tool", req.Name), slog.String("err", err.Error()))
		return errResult(err.Error()), nil
	}
	return res, nil
}

func (r *Registry) register() {
	type listFlowsArgs struct {
		Query string `json:"query,omitempty" jsonschema:"description=Optional substring filter on flow names"`
	}
	type flowArgs struct {
		FlowID string `json:"flow_id" jsonschema:"description=Identifier of the flow"`
	}
	type runFlowArgs struct {
		FlowID string         `json:"flow_id" jsonschema:"description=Identifier of the flow to run"`
		Input  map[string]any `json:"input,omitempty" jsonschema:"description=Input payload passed to the flow run"`
	}
	type runArgs struct {
		FlowID string `json:"flow_id" jsonschema:"description=Identifier of the flow"`
		RunID  string `json:"run_id" jsonschema:"description=Identifier of the run"`
	}

	r.tools = []toolDef{
		{
			tool: mcp.Tool{
				Name:        "list_flows",
				Description: "List the flows in the current team, optionally filtered by name.",
				InputSchema: reflectSchema(&listFlowsArgs{}),
			},
			run: func(ctx context.Context, sessionID string, args gjson.Result) (*mcp.CallToolResult, error) {
				path := "/v1/flows"
				if q := args.Get("query").String(); q != "" {
					path += "?query=" + url.QueryEscape(q)
				}
				body, err := r.pc.Get(ctx, path, r.sm.Credentials(sessionID))
				if err != nil {
					return nil, err
				}
				return textResult(body), nil
			},
		},
		{
			tool: mcp.Tool{
				Name:        "get_flow",
				Description: "Fetch one flow's definition and status.",
				InputSchema: reflectSchema(&flowArgs{}),
			},
			run: func(ctx context.Context, sessionID string, args gjson.Result) (*mcp.CallToolResult, error) {
				flowID := args.Get("flow_id").String()
				if flowID == "" {
					return nil, fmt.Errorf("flow_id is required")
				}
				body, err := r.pc.Get(ctx, "/v1/flows/"+url.PathEscape(flowID), r.sm.Credentials(sessionID))
				if err != nil {
					return nil, err
				}
				r.sm.Touch(sessionID, sessions.TouchUpdate{FlowID: flowID})
				return textResult(body), nil
			},
		},
		{
			tool: mcp.Tool{
				Name:        "run_flow",
				Description: "Start a run of a flow with an optional input payload.",
				InputSchema: reflectSchema(&runFlowArgs{}),
			},
			gated: true,
			run: func(ctx context.Context, sessionID string, args gjson.Result) (*mcp.CallToolResult, error) {
				flowID := args.Get("flow_id").String()
				if flowID == "" {
					return nil, fmt.Errorf("flow_id is required")
				}
				var input map[string]any
				if v := args.Get("input"); v.Exists() {
					if err := json.Unmarshal([]byte(v.Raw), &input); err != nil {
						return nil, fmt.Errorf("input must be an object: %w", err)
					}
				}
				body, err := r.pc.Post(ctx, "/v1/flows/"+url.PathEscape(flowID)+"/runs", r.sm.Credentials(sessionID), map[string]any{"input": input})
				if err != nil {
					return nil, err
				}
				r.sm.Touch(sessionID, sessions.TouchUpdate{
					FlowID: flowID,
					RunID:  gjson.GetBytes(body, "id").String(),
				})
				return textResult(body), nil
			},
		},
		{
			tool: mcp.Tool{
				Name:        "get_run",
				Description: "Fetch the status and output of a flow run.",
				InputSchema: reflectSchema(&runArgs{}),
			},
			run: func(ctx context.Context, sessionID string, args gjson.Result) (*mcp.CallToolResult, error) {
				flowID := args.Get("flow_id").String()
				runID := args.Get("run_id").String()
				if flowID == "" || runID == "" {
					return nil, fmt.Errorf("flow_id and run_id are required")
				}
				body, err := r.pc.Get(ctx, "/v1/flows/"+url.PathEscape(flowID)+"/runs/"+url.PathEscape(runID), r.sm.Credentials(sessionID))
				if err != nil {
					return nil, err
				}
				r.sm.Touch(sessionID, sessions.TouchUpdate{FlowID: flowID, RunID: runID})
				return textResult(body), nil
			},
		},
		{
			tool: mcp.Tool{
				Name:        "delete_flow",
				Description: "Delete a flow. This cannot be undone.",
				InputSchema: reflectSchema(&flowArgs{}),
			},
			gated: true,
			run: func(ctx context.Context, sessionID string, args gjson.Result) (*mcp.CallToolResult, error) {
				flowID := args.Get("flow_id").String()
				if flowID == "" {
					return nil, fmt.Errorf("flow_id is required")
				}
				if _, err := r.pc.Delete(ctx, "/v1/flows/"+url.PathEscape(flowID), r.sm.Credentials(sessionID)); err != nil {
					return nil, err
				}
				r.sm.Touch(sessionID, sessions.TouchUpdate{FlowID: flowID})
				return textResult([]byte(fmt.Sprintf(`{"deleted":%q}`, flowID))), nil
			},
		},
	}
}

// reflectSchema derives a tool input schema from an args struct.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)
	b, err := json.Marshal(s)
	if err != nil {
		// Schemas come from static struct definitions; a marshal failure is
		// a programming error.
		panic(fmt.Sprintf("toolset: reflect schema: %v", err))
	}
	return b
}

func textResult(body []byte) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.NewTextContent(string(body))}}
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.NewTextContent(msg)}, IsError: true}
}
