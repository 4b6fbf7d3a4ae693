// Package tokenrelay papers over a client ecosystem bug: some MCP clients
// run the OAuth handshake in one component and protocol calls in another,
// and the token minted by the first never reaches the second. The relay
// caches tokens as the bridge issues them and injects the newest one into
// inbound calls that arrive with no Authorization header.
//
// This is inherently best-effort, and on a gateway shared by untrusted
// teams it widens the blast radius of a concurrent handshake. The hold
// window and mode exist so deployments can pick their trade-off; the
// per-team fallback discipline in the sessions package is the real
// isolation boundary.
package tokenrelay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Mode selects the injection strategy.
type Mode string

const (
	// ModeBestEffort injects the most recently issued unexpired token,
	// unconditionally. Simplest, adequate for single-team deployments.
	ModeBestEffort Mode = "best-effort"
	// ModeHoldAndRetry holds an unauthenticated call open while a handshake
	// is known to be in flight, polling until a token appears or the hold
	// window lapses. Fewer spurious 401s during slow handshakes.
	ModeHoldAndRetry Mode = "hold-and-retry"
)

const (
	// HoldTimeout bounds how long a held call waits for a token.
	HoldTimeout = 120 * time.Second

	defaultPollInterval  = 500 * time.Millisecond
	defaultBestEffortTTL = 10 * time.Minute
	defaultHoldTTL       = 60 * time.Second
)

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTokenTTL overrides the cache window.
func WithTokenTTL(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithHoldTimeout overrides the hold window. Tests use this to avoid
// two-minute waits.
func WithHoldTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.holdTimeout = d
		}
	}
}

// WithPollInterval overrides the hold-mode poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// Relay is the token cache plus injection middleware. It implements the
// bridge's TokenSink.
type Relay struct {
	mu           sync.Mutex
	issued       map[string]time.Time // token -> issuedAt
	newest       string
	newestAt     time.Time
	flowInFlight bool

	mode         Mode
	ttl          time.Duration
	holdTimeout  time.Duration
	pollInterval time.Duration

	log *slog.Logger
	now func() time.Time
}

// New builds a Relay in the given mode. The default cache window is short
// in hold-and-retry mode (the held call consumes the token promptly) and
// longer in best-effort mode.
func New(mode Mode, opts ...Option) *Relay {
	r := &Relay{
		issued:       make(map[string]time.Time),
		mode:         mode,
		holdTimeout:  HoldTimeout,
		pollInterval: defaultPollInterval,
		log:          slog.Default(),
		now:          time.Now,
	}
	switch mode {
	case ModeHoldAndRetry:
		r.ttl = defaultHoldTTL
	default:
		r.ttl = defaultBestEffortTTL
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NotifyIssued records a freshly exchanged token and clears the in-flight
// flag. Implements authbridge.TokenSink.
func (r *Relay) NotifyIssued(token string) {
	if token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.issued[token] = now
	if now.After(r.newestAt) || r.newest == "" {
		r.newest = token
		r.newestAt = now
	}
	r.flowInFlight = false
	r.pruneLocked(now)
	r.log.Debug("relay.token.cached")
}

// FlowObserved marks an authorization flow as in flight. Implements
// authbridge.TokenSink.
func (r *Relay) FlowObserved() {
	r.mu.Lock()
	r.flowInFlight = true
	r.mu.Unlock()
}

// Latest returns the most recently issued unexpired token, if any.
func (r *Relay) Latest() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)
	if r.newest == "" {
		return "", false
	}
	return r.newest, true
}

func (r *Relay) flowPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flowInFlight
}

// pruneLocked drops entries older than the cache window. Callers hold r.mu.
func (r *Relay) pruneLocked(now time.Time) {
	for tok, at := range r.issued {
		if now.Sub(at) > r.ttl {
			delete(r.issued, tok)
			if tok == r.newest {
				r.newest = ""
			}
		}
	}
	if r.newest == "" {
		// Recompute the newest survivor, if any.
		for tok, at := range r.issued {
			if r.newest == "" || at.After(r.newestAt) {
				r.newest = tok
				r.newestAt = at
			}
		}
	}
}

// Middleware wraps the MCP transport handler. Requests that already carry
// an Authorization header pass through untouched.
func (r *Relay) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "" {
			next.ServeHTTP(w, req)
			return
		}

		if tok, ok := r.Latest(); ok {
			r.log.Debug("relay.inject", slog.String("path", req.URL.Path))
			req.Header.Set("Authorization", "Bearer "+tok)
			next.ServeHTTP(w, req)
			return
		}

		if r.mode == ModeHoldAndRetry && r.flowPending() {
			if tok, ok := r.hold(req); ok {
				req.Header.Set("Authorization", "Bearer "+tok)
			} else if req.Context().Err() != nil {
				// Caller went away while held; nothing left to serve.
				return
			}
		}

		next.ServeHTTP(w, req)
	})
}

// hold polls for a token until one appears, the hold window lapses, or the
// request context is canceled (client disconnect). The false return means
// the call should proceed unauthenticated and earn its normal 401.
func (r *Relay) hold(req *http.Request) (string, bool) {
	r.log.Info("relay.hold.start", slog.String("path", req.URL.Path))

	deadline := time.NewTimer(r.holdTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(r.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-req.Context().Done():
			r.log.Debug("relay.hold.cancel")
			return "", false
		case <-deadline.C:
			r.log.Warn("relay.hold.timeout")
			return "", false
		case <-poll.C:
			if tok, ok := r.Latest(); ok {
				r.log.Info("relay.hold.ok")
				return tok, true
			}
			if !r.flowPending() {
				// The flow concluded without producing a token (e.g. the
				// user abandoned consent). Stop holding.
				r.log.Debug("relay.hold.flow_ended")
				return "", false
			}
		}
	}
}
