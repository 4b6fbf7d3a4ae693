// Package stdio implements the gateway's long-lived single-connection
// transport: newline-delimited JSON-RPC on stdin/stdout.
//
// There is no bearer handshake on stdio. The transport owns exactly one
// session, created from the environment-supplied credentials when Serve
// starts and cleared when the stream ends.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/ariekogan/ateam-mcp/internal/jsonrpc"
	"github.com/ariekogan/ateam-mcp/mcp"
	"github.com/ariekogan/ateam-mcp/sessions"
	"github.com/ariekogan/ateam-mcp/toolset"
)

// maxLineBytes bounds one inbound JSON-RPC frame.
const maxLineBytes = 4 << 20

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer, defaulting to stdin/stdout.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithCredentials sets the team and key installed into the transport's
// session at startup. Without them the session runs on the store's default
// path and mutating tools refuse to run.
func WithCredentials(team, key string) Option {
	return func(h *Handler) {
		h.team = team
		h.key = key
	}
}

// WithServerInfo overrides the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) { h.serverInfo = info }
}

// Handler is the stdio transport.
type Handler struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger

	sm    *sessions.Manager
	tools *toolset.Registry

	team string
	key  string

	serverInfo mcp.ImplementationInfo
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(sm *sessions.Manager, tools *toolset.Registry, opts ...Option) *Handler {
	h := &Handler{
		r:     os.Stdin,
		w:     os.Stdout,
		log:   slog.Default(),
		sm:    sm,
		tools: tools,
		serverInfo: mcp.ImplementationInfo{
			Name:    "ateam-mcp",
			Version: "dev",
			Title:   "A-Team MCP gateway",
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the event loop until EOF on the reader or ctx cancellation.
// Messages are handled strictly in arrival order; the single session's
// store entry is cleared on the way out.
func (h *Handler) Serve(ctx context.Context) error {
	sessID := uuid.NewString()
	if h.key != "" {
		h.sm.Set(sessID, h.team, h.key)
	}
	defer h.sm.Clear(sessID)

	h.log.Info("stdio.serve.start", slog.String("session_id", sessID))

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	// Closed when Serve returns for any reason, so the scanner goroutine is
	// never left blocked on a send after an early exit.
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("stdio.serve.end", slog.String("reason", "context"))
			return ctx.Err()
		case err := <-scanErr:
			h.log.Info("stdio.serve.end", slog.String("reason", "eof"))
			return err
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			if err := h.handleLine(ctx, sessID, line); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, sessID string, line []byte) error {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return h.write(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message: "+err.Error(), nil))
	}

	req := msg.AsRequest()
	if req == nil {
		// Client responses: nothing pending server-side, drop.
		return nil
	}
	if req.IsNotification() {
		h.sm.Touch(sessID, sessions.TouchUpdate{})
		return nil
	}

	return h.write(h.dispatch(ctx, sessID, req))
}

func (h *Handler) dispatch(ctx context.Context, sessID string, req *jsonrpc.Request) (res *jsonrpc.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("rpc.handler.panic", slog.Any("panic", rec))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}()

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		var initReq mcp.InitializeRequest
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
		r, err := jsonrpc.NewResultResponse(req.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.LatestProtocolVersion,
			Capabilities:    mcp.NewToolsCapabilities(),
			ServerInfo:      h.serverInfo,
		})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode initialize response", nil)
		}
		return r

	case mcp.PingMethod:
		h.sm.Touch(sessID, sessions.TouchUpdate{})
		r, _ := jsonrpc.NewResultResponse(req.ID, struct{}{})
		return r

	case mcp.ToolsListMethod:
		h.sm.Touch(sessID, sessions.TouchUpdate{})
		r, err := jsonrpc.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: h.tools.List()})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool list", nil)
		}
		return r

	case mcp.ToolsCallMethod:
		var callReq mcp.CallToolRequest
		if err := json.Unmarshal(req.Params, &callReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
		}
		result, err := h.tools.Call(ctx, sessID, &callReq)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		r, err := jsonrpc.NewResultResponse(req.ID, result)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool result", nil)
		}
		return r

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not supported: %s", req.Method), nil)
	}
}

func (h *Handler) write(res *jsonrpc.Response) error {
	if res == nil {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if _, err := h.w.Write(append(b, '\n')); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
