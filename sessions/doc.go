// Package sessions tracks per-connection platform credentials and activity
// for the gateway process.
//
// The Manager owns two maps: the session table (one entry per live MCP
// connection) and the team fallback cache (one entry per team, seeded as a
// side effect of every authenticated Set). Both are process-local and
// reconstructable; a restart simply forces clients back through the
// authorization flow.
//
// Handlers on both transports run on arbitrary goroutines, so every
// operation takes the Manager's mutex. No operation blocks while holding it.
package sessions
