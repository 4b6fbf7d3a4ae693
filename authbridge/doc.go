// Package authbridge implements the gateway's OAuth 2.0 authorization
// surface: discovery metadata, dynamic client registration, the consent
// form, one-time authorization codes, and the code-for-token exchange.
//
// The platform has no delegated or scoped tokens, only a static team-scoped
// API key. The bridge therefore lets a standards-compliant MCP client walk a
// standards-shaped authorization-code flow whose "access token" is the raw
// platform key the user pasted into the consent form. The key is held only
// in the one-time code between consent and exchange; the bridge keeps no
// durable credential store.
package authbridge
