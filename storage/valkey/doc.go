// Package valkey provides a Valkey-backed implementation of the storage
// interfaces for multi-instance deployments.
//
// # Key Layout
//
// All keys share a configurable prefix (default "mcpmeta:"):
//
//	{prefix}session:{state}  - authorization session JSON, TTL = session lifetime
//	{prefix}code:{code}      - local auth code -> state lookup, same TTL
//	{prefix}token:{value}    - issued bearer token JSON, TTL = token lifetime
//
// # Atomicity
//
// The pending->authorized and authorized->redeemed transitions are
// security-critical: each must succeed for exactly ONE concurrent caller.
// Both run as Lua scripts so the check and the write execute as a single
// Valkey command, mirroring the write-lock check-and-set of the in-memory
// store.
//
// # Expiry
//
// Sessions and tokens carry Valkey TTLs, so expired entries disappear on
// their own. The scripts still double-check the stored expiry timestamp to
// guard against clock skew between the server and Valkey.
package valkey
