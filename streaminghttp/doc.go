// Package streaminghttp implements the gateway's streamable HTTP transport:
// POST to send calls or initialize a session, GET for the notification
// stream (or a liveness probe when no session header is present), DELETE to
// terminate a session.
//
// The handler is also the transport session binder: a session id is minted
// before the initialize handshake runs, and any verified bearer credential
// is installed into the session store before the protocol layer answers, so
// the first call on a connection never races its own authentication.
package streaminghttp
