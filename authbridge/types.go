package authbridge

import (
	"fmt"
	"time"
)

const (
	// PendingTTL is how long a rendered consent form stays submittable.
	PendingTTL = 10 * time.Minute
	// CodeTTL is how long a minted authorization code stays exchangeable.
	CodeTTL = 5 * time.Minute
)

// ClientRegistration is a registered OAuth client. Registrations live in
// memory only and are immutable except for re-registration under the same id.
type ClientRegistration struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	AuthMethod   string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes   []string `json:"grant_types,omitempty"`
}

func (c *ClientRegistration) allowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// authParams are the request parameters a pending authorization carries from
// the consent form back through code minting.
type authParams struct {
	redirectURI   string
	state         string
	codeChallenge string
}

// pendingAuth is a consent step awaiting submission. Destroyed on submission
// or after PendingTTL, whichever comes first.
type pendingAuth struct {
	id        string
	client    *ClientRegistration
	params    authParams
	createdAt time.Time
}

// authCode is a one-time authorization code bound to the client it was
// issued to and carrying the key the user consented with.
type authCode struct {
	code      string
	clientID  string
	params    authParams
	key       string
	team      string
	createdAt time.Time
}

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// FlowError is a typed OAuth protocol failure, rendered as the standard
// error/error_description JSON body.
type FlowError struct {
	Code        string
	Description string
	Status      int
}

func (e *FlowError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// OAuth error codes from RFC 6749.
const (
	errInvalidRequest       = "invalid_request"
	errInvalidClient        = "invalid_client"
	errInvalidGrant         = "invalid_grant"
	errUnsupportedGrantType = "unsupported_grant_type"
)
