// Package identity is the identity provider contract consumed by the session
// store, with two implementations.
//
// MemoryDirectory keeps users in process (bcrypt password hashes, one-time
// email links) and hands each browser session its own MemoryClient. It backs
// development servers and tests.
//
// OAuth2Provider talks to a GoTrue-style backend: password-grant sign-in via
// golang.org/x/oauth2, refresh through the oauth2 TokenSource, and role claims
// read from a verified OIDC id_token when an issuer is configured.
//
// Both deliver auth state changes (SIGNED_IN, SIGNED_OUT, TOKEN_REFRESHED,
// PASSWORD_RECOVERY, ...) to listeners registered with OnAuthStateChange.
package identity
