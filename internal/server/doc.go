// Package server hosts the ClipForge API and media routes from a single HTTP
// server.
//
// The server builds a consistent middleware chain of request IDs, security
// headers, rate limiting, metrics, and logging so handlers all share common
// protections and instrumentation. Authenticated API routes sit behind the
// bearer-token middleware; the signed /media/ route stays public because its
// URLs carry their own authorization.
package server
