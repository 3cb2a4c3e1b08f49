// Package ack matches device replies to dispatch ledger rows.
//
// A reply must come from the device the dispatch was addressed to, and
// remote-exec replies must carry the exec-to-device correlation id.
// Completion is write-once; repeated replies are idempotent no-ops.
package ack
