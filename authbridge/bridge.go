package authbridge

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/ariekogan/ateam-mcp/auth"
	"github.com/ariekogan/ateam-mcp/credential"
)

// ErrPendingExpired indicates the consent form's pending record is missing
// or past PendingTTL. The form must be restarted from the client.
var ErrPendingExpired = errors.New("authorization request expired")

// ErrKeyFormat indicates the submitted key failed credential parsing. The
// pending record survives so the user can correct the key.
var ErrKeyFormat = errors.New("invalid platform key format")

// TokenSink observes the bridge's flow progress. The token relay uses it to
// capture freshly exchanged tokens and to learn that a flow is in flight.
type TokenSink interface {
	NotifyIssued(token string)
	FlowObserved()
}

// FallbackRecorder receives the team credential proven by a successful
// exchange, so new sessions for that team can seed without re-consenting.
type FallbackRecorder interface {
	RecordFallback(team, key string)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithTokenSink wires the token relay.
func WithTokenSink(s TokenSink) Option {
	return func(b *Bridge) { b.sink = s }
}

// WithFallbackRecorder wires the session manager's team fallback cache.
func WithFallbackRecorder(r FallbackRecorder) Option {
	return func(b *Bridge) { b.fallback = r }
}

// WithClock overrides the time source for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// Bridge is the in-memory authorization broker. Construct one at startup
// and share it between the HTTP surface and the transports.
type Bridge struct {
	mu      sync.Mutex
	clients map[string]*ClientRegistration
	pending map[string]*pendingAuth
	codes   map[string]*authCode

	issuer      string
	defaultTeam string
	fallback    FallbackRecorder
	sink        TokenSink

	log *slog.Logger
	now func() time.Time
}

// NewBridge builds a Bridge. issuer is the gateway's public base URL;
// defaultTeam resolves legacy keys that embed no team.
func NewBridge(issuer, defaultTeam string, opts ...Option) *Bridge {
	b := &Bridge{
		clients:     make(map[string]*ClientRegistration),
		pending:     make(map[string]*pendingAuth),
		codes:       make(map[string]*authCode),
		issuer:      strings.TrimRight(issuer, "/"),
		defaultTeam: defaultTeam,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	// The primary integrator ships with a fixed client id and callback set;
	// it never calls the registration endpoint.
	b.clients["claude-web"] = &ClientRegistration{
		ClientID:   "claude-web",
		ClientName: "Claude",
		RedirectURIs: []string{
			"https://claude.ai/api/mcp/auth_callback",
			"https://claude.com/api/mcp/auth_callback",
		},
		AuthMethod: "none",
		GrantTypes: []string{"authorization_code"},
	}
	return b
}

// RegisterClient records a dynamic client registration, generating a client
// id when the metadata carries none. Re-registration under the same id
// replaces the previous record. Registration is deliberately permissive:
// the platform key pasted at consent time is the real gate.
func (b *Bridge) RegisterClient(meta ClientRegistration) ClientRegistration {
	if meta.ClientID == "" {
		meta.ClientID = uuid.NewString()
	}
	if meta.AuthMethod == "" {
		meta.AuthMethod = "none"
	}
	if len(meta.GrantTypes) == 0 {
		meta.GrantTypes = []string{"authorization_code"}
	}

	b.mu.Lock()
	b.clients[meta.ClientID] = &meta
	b.mu.Unlock()

	b.log.Info("auth.client.register", slog.String("client_id", meta.ClientID), slog.String("client_name", meta.ClientName))
	b.flowObserved()
	return meta
}

// Client returns the registration for id, if any.
func (b *Bridge) Client(id string) (ClientRegistration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[id]
	if !ok {
		return ClientRegistration{}, false
	}
	return *c, true
}

// StartAuthorize validates the authorization request and creates the
// pending record backing the consent form.
func (b *Bridge) StartAuthorize(clientID, redirectURI, state, codeChallenge string) (pendingID string, clientName string, ferr *FlowError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked()

	c, ok := b.clients[clientID]
	if !ok {
		return "", "", &FlowError{Code: errInvalidClient, Description: "unknown client_id; register the client first", Status: 400}
	}
	if redirectURI == "" {
		return "", "", &FlowError{Code: errInvalidRequest, Description: "redirect_uri is required", Status: 400}
	}
	if len(c.RedirectURIs) > 0 && !c.allowsRedirect(redirectURI) {
		return "", "", &FlowError{Code: errInvalidRequest, Description: "redirect_uri does not match the client's registration", Status: 400}
	}

	p := &pendingAuth{
		id:        ksuid.New().String(),
		client:    c,
		params:    authParams{redirectURI: redirectURI, state: state, codeChallenge: codeChallenge},
		createdAt: b.now(),
	}
	b.pending[p.id] = p

	b.log.Info("auth.authorize.start", slog.String("client_id", clientID), slog.String("pending_id", p.id))
	b.flowObserved()
	return p.id, c.ClientName, nil
}

// PendingClientName reports the client name for a live pending record, for
// re-rendering the consent form after a bad submission.
func (b *Bridge) PendingClientName(pendingID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[pendingID]
	if !ok || b.now().Sub(p.createdAt) > PendingTTL {
		return "", false
	}
	return p.client.ClientName, true
}

// SubmitConsent consumes a pending record with the user-supplied platform
// key and mints the one-time authorization code. On success it returns the
// client redirect URL carrying code and state.
//
// Failure modes: ErrPendingExpired when the record is gone or stale (no
// state change), ErrKeyFormat when the key fails parsing (record retained).
func (b *Bridge) SubmitConsent(pendingID, rawKey string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[pendingID]
	if !ok || b.now().Sub(p.createdAt) > PendingTTL {
		if ok {
			delete(b.pending, pendingID)
		}
		b.log.Info("auth.consent.expired", slog.String("pending_id", pendingID))
		return "", ErrPendingExpired
	}

	cred := credential.Parse(strings.TrimSpace(rawKey))
	if !cred.Valid {
		b.log.Info("auth.consent.bad_key", slog.String("pending_id", pendingID))
		return "", ErrKeyFormat
	}

	code := &authCode{
		code:      "ac_" + ksuid.New().String(),
		clientID:  p.client.ClientID,
		params:    p.params,
		key:       strings.TrimSpace(rawKey),
		team:      cred.TeamOrDefault(b.defaultTeam),
		createdAt: b.now(),
	}
	b.codes[code.code] = code
	delete(b.pending, pendingID)

	u, err := url.Parse(p.params.redirectURI)
	if err != nil {
		// Registration accepted this URI; treat failure here as a hard stop.
		return "", &FlowError{Code: errInvalidRequest, Description: "stored redirect_uri is unparsable", Status: 400}
	}
	q := u.Query()
	q.Set("code", code.code)
	if p.params.state != "" {
		q.Set("state", p.params.state)
	}
	u.RawQuery = q.Encode()

	b.log.Info("auth.consent.ok", slog.String("client_id", code.clientID), slog.String("team", code.team))
	return u.String(), nil
}

// Exchange consumes a one-time code and returns the stored platform key as
// a bearer token. Codes are deleted on first successful exchange; replays,
// expired codes, and redemption by a different client all fail with
// invalid_grant.
func (b *Bridge) Exchange(clientID, code, grantType string) (*TokenResponse, *FlowError) {
	if grantType == "refresh_token" {
		// Platform keys do not rotate; there is nothing to refresh.
		return nil, &FlowError{Code: errUnsupportedGrantType, Description: "refresh tokens are not supported", Status: 400}
	}
	if grantType != "" && grantType != "authorization_code" {
		return nil, &FlowError{Code: errUnsupportedGrantType, Description: "only authorization_code is supported", Status: 400}
	}

	b.mu.Lock()
	ac, ok := b.codes[code]
	if ok && b.now().Sub(ac.createdAt) > CodeTTL {
		delete(b.codes, code)
		ok = false
	}
	if !ok {
		b.mu.Unlock()
		b.log.Warn("auth.exchange.fail", slog.String("client_id", clientID), slog.String("reason", "missing_or_consumed"))
		return nil, &FlowError{Code: errInvalidGrant, Description: "authorization code is invalid, expired, or already used", Status: 400}
	}
	if ac.clientID != clientID {
		// Cross-client redemption is a security violation, not a retryable
		// miss. The code stays live for its rightful owner.
		b.mu.Unlock()
		b.log.Warn("auth.exchange.cross_client", slog.String("client_id", clientID), slog.String("issued_to", ac.clientID))
		return nil, &FlowError{Code: errInvalidGrant, Description: "authorization code was not issued to this client", Status: 400}
	}
	delete(b.codes, code)
	b.mu.Unlock()

	if b.fallback != nil {
		b.fallback.RecordFallback(ac.team, ac.key)
	}
	if b.sink != nil {
		b.sink.NotifyIssued(ac.key)
	}

	b.log.Info("auth.exchange.ok", slog.String("client_id", clientID), slog.String("team", ac.team))
	return &TokenResponse{
		AccessToken: ac.key,
		TokenType:   "bearer",
		// The platform key never expires; advertise a year so clients that
		// insist on an expiry never see one mid-session.
		ExpiresIn: int64((365 * 24 * time.Hour).Seconds()),
	}, nil
}

// VerifyToken implements auth.Verifier by re-running the credential codec.
// The bridge issues raw platform keys as tokens, so verification is purely
// a format check plus team extraction.
func (b *Bridge) VerifyToken(_ context.Context, tok string) (*auth.TokenInfo, error) {
	cred := credential.Parse(tok)
	if !cred.Valid {
		return nil, auth.ErrUnauthorized
	}
	return &auth.TokenInfo{
		Token:     tok,
		Team:      cred.TeamOrDefault(b.defaultTeam),
		ExpiresAt: b.now().Add(100 * 365 * 24 * time.Hour),
	}, nil
}

// Issuer returns the bridge's public base URL.
func (b *Bridge) Issuer() string {
	return b.issuer
}

func (b *Bridge) flowObserved() {
	if b.sink != nil {
		b.sink.FlowObserved()
	}
}

// pruneLocked drops expired pendings and codes. Called under b.mu from the
// mint paths, keeping abandoned flows from accumulating.
func (b *Bridge) pruneLocked() {
	now := b.now()
	for id, p := range b.pending {
		if now.Sub(p.createdAt) > PendingTTL {
			delete(b.pending, id)
		}
	}
	for c, ac := range b.codes {
		if now.Sub(ac.createdAt) > CodeTTL {
			delete(b.codes, c)
		}
	}
}
