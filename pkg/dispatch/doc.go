// Package dispatch delivers commands to devices through the push
// provider with a durable ledger.
//
// Every dispatch persists its ledger row before the provider call, so a
// device can never present a request_id the server has no record of.
// Payloads carry an HMAC-SHA256 over a canonical string the device
// reproduces byte for byte. Shell-mode remote exec is gated by a strict
// allow-list; the only multi-line payload permitted is the canonical
// batch bloatware-disable script, which is validated byte-exactly.
package dispatch
