package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// SessionTTL is the idle lifetime of a session before the sweeper
	// reclaims it.
	SessionTTL = 60 * time.Minute
	// SweepInterval is the cadence of the background sweeper.
	SweepInterval = 5 * time.Minute
	// FallbackTTL is the lifetime of a team fallback entry.
	FallbackTTL = 60 * time.Minute
)

// Credentials is the outbound credential pair resolved for a session.
type Credentials struct {
	Team string
	Key  string
	// Explicit reports whether the credentials come from an authenticated
	// session rather than the process-wide default. Gated operations refuse
	// to proceed on the default path.
	Explicit bool
}

// Context carries the identifying parameters observed on recent calls for a
// session. It survives re-authentication.
type Context struct {
	ActiveFlowID string
	LastRunID    string
	LastTool     string
}

// TouchUpdate names the context fields a call wants merged. Empty fields are
// left untouched.
type TouchUpdate struct {
	Tool   string
	FlowID string
	RunID  string
}

type session struct {
	team         string
	key          string
	lastActivity time.Time
	sctx         Context
}

type fallbackEntry struct {
	key       string
	createdAt time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the slog logger used by the manager and its sweeper.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source. Used by tests to drive TTL expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is the process-wide session store and team fallback cache.
// Construct one at startup and pass it by reference to every handler.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	fallback map[string]fallbackEntry

	defaultTeam string
	defaultKey  string

	log *slog.Logger
	now func() time.Time
}

// NewManager builds a Manager. defaultTeam and defaultKey are the
// environment-supplied credentials returned for unknown sessions; either may
// be empty, in which case unknown sessions resolve to empty, non-explicit
// credentials.
func NewManager(defaultTeam, defaultKey string, opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]*session),
		fallback:    make(map[string]fallbackEntry),
		defaultTeam: defaultTeam,
		defaultKey:  defaultKey,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set upserts the session's credentials. An existing session keeps its
// in-flight context so re-authentication does not lose it. Every Set also
// refreshes the team's fallback entry.
func (m *Manager) Set(sessionID, team, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if s, ok := m.sessions[sessionID]; ok {
		s.team = team
		s.key = key
		s.lastActivity = now
	} else {
		m.sessions[sessionID] = &session{team: team, key: key, lastActivity: now}
	}
	m.fallback[team] = fallbackEntry{key: key, createdAt: now}
	m.log.Debug("session.set", slog.String("session_id", sessionID), slog.String("team", team))
}

// RecordFallback refreshes the team's fallback entry without touching any
// session. The authorization bridge calls this on every successful token
// exchange so a brand-new connection for the same team can seed itself
// before its first Set.
func (m *Manager) RecordFallback(team, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback[team] = fallbackEntry{key: key, createdAt: m.now()}
}

// Credentials resolves the outbound credential pair for a session. Unknown
// sessions fall back to the process default; the Explicit flag distinguishes
// the two paths.
func (m *Manager) Credentials(sessionID string) Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		return Credentials{Team: s.team, Key: s.key, Explicit: true}
	}
	return Credentials{Team: m.defaultTeam, Key: m.defaultKey}
}

// Context returns a copy of the session's call context. The bool is false
// for unknown sessions.
func (m *Manager) Context(sessionID string) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		return s.sctx, true
	}
	return Context{}, false
}

// Touch refreshes the session's activity timestamp and merges any provided
// context fields. No-op for unknown sessions.
func (m *Manager) Touch(sessionID string, upd TouchUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	s.lastActivity = m.now()
	if upd.Tool != "" {
		s.sctx.LastTool = upd.Tool
	}
	if upd.FlowID != "" {
		s.sctx.ActiveFlowID = upd.FlowID
	}
	if upd.RunID != "" {
		s.sctx.LastRunID = upd.RunID
	}
}

// Clear deletes the session immediately. Idempotent.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; ok {
		delete(m.sessions, sessionID)
		m.log.Debug("session.clear", slog.String("session_id", sessionID))
	}
}

// SeedFromDefault installs the process-wide default credentials into the
// session, making it explicitly authenticated. Returns false, mutating
// nothing, when no default key is configured. Unlike Set it does not touch
// the fallback cache: environment credentials are configuration, not a
// credential proven by an exchange.
func (m *Manager) SeedFromDefault(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.defaultKey == "" {
		return false
	}
	now := m.now()
	if s, ok := m.sessions[sessionID]; ok {
		s.team = m.defaultTeam
		s.key = m.defaultKey
		s.lastActivity = now
	} else {
		m.sessions[sessionID] = &session{team: m.defaultTeam, key: m.defaultKey, lastActivity: now}
	}
	m.log.Debug("session.seed.default", slog.String("session_id", sessionID))
	return true
}

// SeedFromFallback installs the team's cached credential into a new session.
// It returns false, mutating nothing, when no live fallback entry exists for
// exactly that team or when the session already belongs to a different team.
// The team argument must come from a verified token, never from
// unauthenticated client input: it is the isolation boundary between
// co-resident teams.
func (m *Manager) SeedFromFallback(sessionID, team string) bool {
	m.mu.Lock()
	entry, ok := m.fallback[team]
	if ok && m.now().Sub(entry.createdAt) > FallbackTTL {
		delete(m.fallback, team)
		ok = false
	}
	if ok {
		if s, exists := m.sessions[sessionID]; exists && s.team != team {
			ok = false
		}
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("session.seed.miss", slog.String("session_id", sessionID), slog.String("team", team))
		return false
	}
	m.Set(sessionID, team, entry.key)
	m.log.Debug("session.seed.hit", slog.String("session_id", sessionID), slog.String("team", team))
	return true
}

// Sweep deletes every session idle beyond SessionTTL and every expired
// fallback entry, returning the number of sessions removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.lastActivity) > SessionTTL {
			delete(m.sessions, id)
			removed++
		}
	}
	for team, entry := range m.fallback {
		if now.Sub(entry.createdAt) > FallbackTTL {
			delete(m.fallback, team)
		}
	}
	if removed > 0 {
		m.log.Info("session.sweep.done", slog.Int("removed", removed))
	}
	return removed
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartSweeper runs Sweep on a fixed interval until ctx is canceled. The
// ticker lives on the provided context only, so it never keeps the process
// alive through shutdown.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		t := time.NewTicker(SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}
