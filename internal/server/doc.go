// Package server exposes subscriptions and one-shot queries over HTTP.
//
// This package is a thin collaborator: it turns request parameters into
// topics and queries, and turns batches into Server-Sent Events or
// WebSocket frames. Each connection buffers outbound batches in a bounded
// drop-oldest channel, so a slow client loses old batches rather than
// stalling the subscription.
//
// Query errors map to status codes: 400 for bad input, 404 for not found,
// 504 for timeouts and 502 for other upstream failures.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
