// Package api exposes the device and admin HTTP protocols.
//
// Device routes authenticate with per-device bearer secrets; admin
// routes require the admin key, and neither scope is accepted by the
// other. Errors use a single {detail} envelope, bodies are capped at
// 1 MiB, and 5xx responses echo the request id for log correlation.
package api
