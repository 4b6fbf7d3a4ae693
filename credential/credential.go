// Package credential parses the A-Team platform's static API key format.
//
// Keys come in two shapes: the current team-scoped form
// `ateam_<team>_<32-hex>` and a legacy form `ateam_<32-hex>` that predates
// team scoping. Parsing is pure: malformed input yields an invalid
// Credential, never an error.
package credential

import "regexp"

// Prefix is the leading marker shared by both key formats.
const Prefix = "ateam_"

var (
	teamKeyRe   = regexp.MustCompile(`^ateam_([a-z0-9][a-z0-9-]{0,28}[a-z0-9])_([0-9a-f]{32})$`)
	legacyKeyRe = regexp.MustCompile(`^ateam_[0-9a-f]{32}$`)
)

// Credential is the result of parsing a raw platform key.
type Credential struct {
	// Team is the team identifier embedded in the key. Empty for legacy
	// keys; callers substitute their configured default team.
	Team string
	// Valid reports whether the raw string matched either accepted shape.
	Valid bool
}

// Parse validates raw against the two accepted key shapes and extracts the
// embedded team identifier when present.
func Parse(raw string) Credential {
	if legacyKeyRe.MatchString(raw) {
		return Credential{Valid: true}
	}
	if m := teamKeyRe.FindStringSubmatch(raw); m != nil {
		return Credential{Team: m[1], Valid: true}
	}
	return Credential{}
}

// TeamOrDefault returns the embedded team, or def when the key is a legacy
// key with no team component.
func (c Credential) TeamOrDefault(def string) string {
	if c.Team == "" {
		return def
	}
	return c.Team
}
