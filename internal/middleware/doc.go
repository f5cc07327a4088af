// Package middleware provides the gin middleware chain for the council API.
//
// The chain, outermost first: Recovery, RequestID, CORS, AccessLog, Metrics,
// then per-group APIKeyAuth and rate limiting. Every middleware that rejects
// a request writes the shared error envelope
//
//	{"error": {"kind": "...", "message": "...", "request_id": "..."}}
//
// with the kind drawn from the models error taxonomy, so clients see one
// error shape whether a request dies in the middleware chain or in a handler.
package middleware
