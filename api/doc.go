// Package api defines the HTTP wire types for the StreamFlow gateway.
//
// StreamFlow exposes a RESTful and streaming API for:
//   - Chat completions with server-side stop-sequence enforcement
//   - SSE and WebSocket streaming of post-processed output
//   - Session inspection and usage accounting
//   - Upstream API key pool management
//   - Health monitoring and metrics
//
// # Authentication
//
// When JWT auth is enabled, endpoints require a bearer token:
//
//	Authorization: Bearer <token>
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
