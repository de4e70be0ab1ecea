// Package security provides cross-cutting security features for the OAuth
// server: audit logging with PII hashing, per-IP rate limiting, security
// response headers, client IP extraction behind proxies, and request ID
// propagation.
package security
