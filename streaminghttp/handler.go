package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ariekogan/ateam-mcp/auth"
	"github.com/ariekogan/ateam-mcp/internal/jsonrpc"
	"github.com/ariekogan/ateam-mcp/internal/logctx"
	"github.com/ariekogan/ateam-mcp/mcp"
	"github.com/ariekogan/ateam-mcp/sessions"
	"github.com/ariekogan/ateam-mcp/toolset"
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// writeJSONError emits a transport-level JSON error body before a JSON-RPC
// exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog handler used by the transport.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = slog.New(logctx.Handler{Handler: l.Handler()})
		}
	}
}

// WithServerInfo overrides the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) { h.serverInfo = info }
}

// WithOAuthDisabled turns off bearer authentication entirely; every session
// runs on the environment-supplied credentials.
func WithOAuthDisabled() Option {
	return func(h *Handler) { h.oauthDisabled = true }
}

// WithFallbackSeedTeam enables fallback seeding for unauthenticated new
// sessions: when set, a fresh session with no verified token inherits the
// named team's most recently proven credential, if one is cached. Only safe
// on single-team deployments; see the sessions package.
func WithFallbackSeedTeam(team string) Option {
	return func(h *Handler) { h.seedTeam = team }
}

// Handler serves the streamable HTTP transport.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	sm       *sessions.Manager
	verifier auth.Verifier
	tools    *toolset.Registry
	prmURL   string

	serverInfo    mcp.ImplementationInfo
	oauthDisabled bool
	seedTeam      string
}

// New constructs the transport handler. prmURL is the protected-resource
// metadata URL advertised in WWW-Authenticate challenges; verifier may only
// be nil together with WithOAuthDisabled.
func New(sm *sessions.Manager, tools *toolset.Registry, verifier auth.Verifier, prmURL string, opts ...Option) (*Handler, error) {
	if sm == nil || tools == nil {
		return nil, fmt.Errorf("session manager and tool registry are required")
	}

	h := &Handler{
		log:      slog.Default(),
		sm:       sm,
		verifier: verifier,
		tools:    tools,
		prmURL:   prmURL,
		serverInfo: mcp.ImplementationInfo{
			Name:    "ateam-mcp",
			Version: "dev",
			Title:   "A-Team MCP gateway",
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.verifier == nil && !h.oauthDisabled {
		return nil, fmt.Errorf("verifier is required unless OAuth is disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", h.handlePost)
	mux.HandleFunc("GET /mcp", h.handleGet)
	mux.HandleFunc("DELETE /mcp", h.handleDelete)
	mux.HandleFunc("OPTIONS /mcp", h.handlePreflight)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", mcpSessionIDHeader+", "+mcpProtocolVersionHeader)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})))
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+mcpSessionIDHeader+", "+mcpProtocolVersionHeader)
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "sessions": h.sm.Len()})
}

// resolveToken verifies the bearer token, if any. The three outcomes are:
// a verified token, no token at all (nil, true), or a rejected token, in
// which case resolveToken writes the 401 challenge itself and returns
// (nil, false).
func (h *Handler) resolveToken(w http.ResponseWriter, r *http.Request) (*auth.TokenInfo, bool) {
	if h.oauthDisabled {
		return nil, true
	}

	header := r.Header.Get(authorizationHeader)
	if header == "" {
		return nil, true
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) || len(header) <= len(bearerPrefix) {
		w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf(`Bearer resource_metadata=%q, error="invalid_request", error_description="malformed bearer authorization header"`, h.prmURL))
		writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
		return nil, false
	}

	info, err := h.verifier.VerifyToken(r.Context(), strings.TrimSpace(header[len(bearerPrefix):]))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(r.Context(), "auth.check.fail")
			w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf(`Bearer resource_metadata=%q, error="invalid_token", error_description="the supplied credential is not a valid platform key"`, h.prmURL))
			writeJSONError(w, http.StatusUnauthorized, "invalid platform key; visit the authorization flow to obtain one")
			return nil, false
		}
		h.log.ErrorContext(r.Context(), "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication check failed")
		return nil, false
	}
	return info, true
}

// challengeRequired rejects an unauthenticated initialize with the
// discovery challenge that points clients at the authorization flow.
func (h *Handler) challengeRequired(w http.ResponseWriter) {
	w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf(`Bearer resource_metadata=%q`, h.prmURL))
	writeJSONError(w, http.StatusUnauthorized, "authentication required: complete the OAuth flow advertised in WWW-Authenticate, or configure a default platform key")
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	tok, ok := h.resolveToken(w, r)
	if !ok {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		return
	}

	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: msg.Method, ID: msg.ID.String()})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.handleInitialize(ctx, w, tok, &msg, start)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	// A verified token on any call re-establishes the session, covering
	// clients that reuse a session id after the sweeper reclaimed it.
	if tok != nil && !h.sm.Credentials(sessID).Explicit {
		h.sm.Set(sessID, tok.Team, tok.Token)
	}

	req := msg.AsRequest()
	if req == nil {
		// Client responses have no server-side pending requests to match;
		// accept and drop.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if req.IsNotification() {
		h.sm.Touch(sessID, sessions.TouchUpdate{})
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.notification.ok", slog.String("method", req.Method))
		return
	}

	res := h.dispatch(ctx, sessID, req)
	w.Header().Set(mcpProtocolVersionHeader, mcp.LatestProtocolVersion)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.String("method", req.Method), slog.Duration("dur", time.Since(start)))
}

// handleInitialize is the binder: the session id exists before the
// handshake result is computed, and the session entry is seeded before the
// response leaves, so an immediately following call is already
// authenticated.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, tok *auth.TokenInfo, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		return
	}

	if tok == nil && !h.oauthDisabled && h.seedTeam == "" {
		// No credential anywhere: this is the discovery step that kicks
		// clients into the authorization flow.
		h.log.InfoContext(ctx, "session.initialize.challenge")
		h.challengeRequired(w)
		return
	}

	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		return
	}

	sessID := uuid.NewString()
	switch {
	case tok != nil:
		h.sm.Set(sessID, tok.Team, tok.Token)
	case h.oauthDisabled:
		// Environment-credential-only operation: the session runs on the
		// configured default key, so gated tools still work.
		h.sm.SeedFromDefault(sessID)
	case h.seedTeam != "":
		if !h.sm.SeedFromFallback(sessID, h.seedTeam) && !h.oauthDisabled {
			h.log.InfoContext(ctx, "session.initialize.challenge", slog.String("reason", "no fallback for seed team"))
			h.challengeRequired(w)
			return
		}
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	res := mcp.InitializeResult{
		ProtocolVersion: negotiateVersion(initReq.ProtocolVersion),
		Capabilities:    mcp.NewToolsCapabilities(),
		ServerInfo:      h.serverInfo,
		Instructions: "Tools operate on A-Team flows and runs. Mutating tools " +
			"require an authenticated session established through the OAuth flow.",
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		return
	}

	w.Header().Set(mcpSessionIDHeader, sessID)
	w.Header().Set(mcpProtocolVersionHeader, res.ProtocolVersion)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// dispatch routes one request to its MCP method handler. Faults inside a
// handler become JSON-RPC errors for this session, never process crashes.
func (h *Handler) dispatch(ctx context.Context, sessID string, req *jsonrpc.Request) (res *jsonrpc.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.ErrorContext(ctx, "rpc.handler.panic", slog.Any("panic", rec))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}()

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)

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

// handleGet serves the notification stream for an existing session, or a
// liveness probe when no session header is present.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.handleHealthz(w, r)
		return
	}

	if _, ok := h.resolveToken(w, r); !ok {
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Some clients omit text/event-stream from Accept; the stream is the
	// only thing this endpoint can produce, so serve it regardless.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	ctx := r.Context()
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("session_id", sessID))

	// The gateway pushes no server-initiated messages; the stream exists so
	// clients that open one can hold it. Keepalive comments double as
	// session activity.
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("session_id", sessID))
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			f.Flush()
			h.sm.Touch(sessID, sessions.TouchUpdate{})
		}
	}
}

// handleDelete terminates a session. This is the transport's close signal;
// the store entry dies with it.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		return
	}
	h.sm.Clear(sessID)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(r.Context(), "session.delete.ok", slog.String("session_id", sessID))
}

// negotiateVersion echoes a known protocol version or offers the latest.
func negotiateVersion(requested string) string {
	switch requested {
	case "2024-11-05", "2025-03-26", mcp.LatestProtocolVersion:
		return requested
	default:
		return mcp.LatestProtocolVersion
	}
}
