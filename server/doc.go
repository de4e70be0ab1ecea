// Package server implements the OAuth flow engine (transport-agnostic).
//
// The Server coordinates the three-legged proxy flow:
//
//  1. StartAuthorizationFlow validates the client's request, creates a
//     pending session, and returns the provider's dialog URL.
//  2. HandleProviderCallback consumes the provider's callback, exchanges
//     the provider code server-to-server, and atomically marks the session
//     authorized with a freshly minted local authorization code.
//  3. ExchangeAuthorizationCode atomically redeems the local code,
//     verifies PKCE and the redirect URI, and issues an opaque bearer
//     token backed by the provider token.
//
// The HTTP adapter in the root package maps FlowError codes to wire
// responses. All storage interaction goes through the storage interfaces,
// so the engine works unchanged against the memory and Valkey backends.
package server
