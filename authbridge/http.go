package authbridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ariekogan/ateam-mcp/internal/wellknown"
)

// Handler is the bridge's HTTP surface: discovery metadata, the consent
// form, the token endpoint, and dynamic client registration.
type Handler struct {
	bridge *Bridge
	mux    *http.ServeMux
	log    *slog.Logger

	asMetadata  wellknown.AuthServerMetadata
	prmDocument wellknown.ProtectedResourceMetadata
}

// NewHandler builds the HTTP surface for bridge. resourcePath is the MCP
// endpoint path ("/mcp"); the discovery documents are derived from the
// bridge's issuer URL and that path.
func NewHandler(bridge *Bridge, resourcePath string, log *slog.Logger) (*Handler, error) {
	issuerURL, err := url.Parse(bridge.Issuer())
	if err != nil {
		return nil, err
	}
	if issuerURL.Scheme != "http" && issuerURL.Scheme != "https" {
		return nil, errors.New("issuer URL must use http or https")
	}
	if log == nil {
		log = slog.Default()
	}

	issuer := bridge.Issuer()
	h := &Handler{
		bridge: bridge,
		log:    log,
		asMetadata: wellknown.AuthServerMetadata{
			Issuer:                            issuer,
			AuthorizationEndpoint:             issuer + "/authorize",
			TokenEndpoint:                     issuer + "/token",
			RegistrationEndpoint:              issuer + "/register",
			ResponseTypesSupported:            []string{"code"},
			GrantTypesSupported:               []string{"authorization_code"},
			ResponseModesSupported:            []string{"query"},
			TokenEndpointAuthMethodsSupported: []string{"none"},
			CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		},
		prmDocument: wellknown.ProtectedResourceMetadata{
			Resource:               issuer + resourcePath,
			AuthorizationServers:   []string{issuer},
			BearerMethodsSupported: []string{"authorization_header"},
			ResourceName:           "A-Team MCP gateway",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", h.handleAuthorizeForm)
	mux.HandleFunc("POST /authorize", h.handleConsentSubmit)
	mux.HandleFunc("POST /token", h.handleToken)
	mux.HandleFunc("OPTIONS /token", h.handlePreflight)
	mux.HandleFunc("POST /register", h.handleRegister)
	mux.HandleFunc("OPTIONS /register", h.handlePreflight)

	// Discovery documents. Clients disagree on whether the resource path is
	// appended to the well-known path, so both spellings are served.
	for _, p := range []string{"/.well-known/oauth-authorization-server", "/.well-known/oauth-authorization-server" + resourcePath} {
		mux.HandleFunc("GET "+p, h.handleASMetadata)
		mux.HandleFunc("OPTIONS "+p, h.handlePreflight)
	}
	for _, p := range []string{"/.well-known/oauth-protected-resource", "/.well-known/oauth-protected-resource" + resourcePath} {
		mux.HandleFunc("GET "+p, h.handlePRM)
		mux.HandleFunc("OPTIONS "+p, h.handlePreflight)
	}

	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// PRMURL returns the protected-resource-metadata URL transports advertise
// in WWW-Authenticate challenges.
func (h *Handler) PRMURL() string {
	return h.bridge.Issuer() + "/.well-known/oauth-protected-resource"
}

func (h *Handler) handleASMetadata(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.asMetadata)
}

func (h *Handler) handlePRM(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.prmDocument)
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Session-Id, Mcp-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAuthorizeForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pendingID, clientName, ferr := h.bridge.StartAuthorize(
		q.Get("client_id"),
		q.Get("redirect_uri"),
		q.Get("state"),
		q.Get("code_challenge"),
	)
	if ferr != nil {
		h.log.Warn("auth.authorize.reject", slog.String("client_id", q.Get("client_id")), slog.String("err", ferr.Error()))
		writeFlowError(w, ferr)
		return
	}
	renderConsent(w, http.StatusOK, consentPage{ClientName: clientName, PendingID: pendingID})
}

func (h *Handler) handleConsentSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeFlowError(w, &FlowError{Code: errInvalidRequest, Description: "malformed form submission", Status: 400})
		return
	}
	pendingID := r.PostFormValue("pending_id")
	rawKey := r.PostFormValue("api_key")

	redirect, err := h.bridge.SubmitConsent(pendingID, rawKey)
	switch {
	case err == nil:
		http.Redirect(w, r, redirect, http.StatusSeeOther)
	case errors.Is(err, ErrPendingExpired):
		renderConsent(w, http.StatusOK, consentPage{
			Error: "This authorization request has expired. Return to your application and connect again.",
		})
	case errors.Is(err, ErrKeyFormat):
		clientName, _ := h.bridge.PendingClientName(pendingID)
		renderConsent(w, http.StatusOK, consentPage{
			ClientName: clientName,
			PendingID:  pendingID,
			Error:      "That doesn't look like an A-Team API key. Keys look like ateam_yourteam_ followed by 32 hex characters.",
		})
	default:
		var ferr *FlowError
		if errors.As(err, &ferr) {
			writeFlowError(w, ferr)
			return
		}
		h.log.Error("auth.consent.fail", slog.String("err", err.Error()))
		writeFlowError(w, &FlowError{Code: "server_error", Description: "consent processing failed", Status: 500})
	}
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)
	if err := r.ParseForm(); err != nil {
		writeFlowError(w, &FlowError{Code: errInvalidRequest, Description: "malformed form body", Status: 400})
		return
	}

	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		// Public clients sometimes send their id via Basic auth anyway.
		if user, _, ok := r.BasicAuth(); ok {
			clientID = user
		}
	}

	resp, ferr := h.bridge.Exchange(clientID, r.PostFormValue("code"), r.PostFormValue("grant_type"))
	if ferr != nil {
		writeFlowError(w, ferr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)

	var meta ClientRegistration
	if strings.Contains(r.Header.Get("Content-Type"), "json") || r.Header.Get("Content-Type") == "" {
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			writeFlowError(w, &FlowError{Code: "invalid_client_metadata", Description: "registration body must be JSON", Status: 400})
			return
		}
	}

	reg := h.bridge.RegisterClient(meta)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(reg)
}

func allowCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
}

func writeFlowError(w http.ResponseWriter, ferr *FlowError) {
	status := ferr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             ferr.Code,
		"error_description": ferr.Description,
	})
}
