// Package gateway serves the tutor HTTP API.
//
// # Overview
//
// The gateway owns the HTTP server and the components behind it: the
// conversation store, the credential verifier, the generation client, the
// session orchestrator and, when object storage is configured, the upload
// service. New builds all of them from config; NewWithComponents accepts
// prebuilt ones.
//
// # HTTP API
//
//   - GET /                               - Welcome message
//   - GET /health                         - Liveness check
//   - GET /health/ready                   - Readiness check (store, object storage)
//   - POST /api/v1/chat/message           - Text chat turn
//   - POST /api/v1/chat/image             - Image chat turn (multipart)
//   - GET /api/v1/chat/history            - All of the caller's conversations
//   - GET /api/v1/chat/history/{chat_id}  - One conversation
//   - GET /api/v1/chat/events             - SSE stream of newly recorded messages
//   - GET /api/v1/users/me                - Authenticated user ID
//   - POST /api/v1/files/upload           - Upload an image (multipart "file")
//   - DELETE /api/v1/files/{key...}       - Delete one of the caller's uploads
//   - POST /api/v1/auth/register, /login  - 501, owned by the identity provider
//
// All /api/v1 routes except auth require "Authorization: Bearer <jwt>".
// Errors use the envelope {"detail": "...", "error": true}.
//
// # Listeners
//
// The server listens on server.http_addr, or joins a tailnet through tsnet
// when tailscale.enabled is set (plain :80, TLS on :443, or Funnel).
//
// # Shutdown
//
// Run returns when its context is canceled. Event streams are closed first,
// then the HTTP server drains, then the store and generation client close.
package gateway
