package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strconv"

	"github.com/roostlabs/roost/pkg/types"
)

// csvHeader is the canonical column order for archived heartbeat rows.
// The checksum covers the exact bytes stored, so the order and rendering
// must not change between releases.
var csvHeader = []string{
	"device_id", "ts", "battery_pct", "network_type", "unity_running",
	"signal_dbm", "agent_version", "ip", "status",
}

// Backend stores archived partition files.
type Backend interface {
	// Put writes the object and returns a stable URL for it.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// KeyFor returns the deterministic object key for a partition, so a
// retried archive overwrites the previous attempt instead of duplicating it.
func KeyFor(partition string) string {
	return "heartbeats/" + partition + ".csv"
}

// Result describes a finished archive encoding.
type Result struct {
	Data     []byte
	Checksum string
	RowCount int64
}

// Encoder renders heartbeat rows as canonical CSV while hashing the
// bytes as they are produced.
type Encoder struct {
	buf  bytes.Buffer
	sum  hash.Hash
	w    *csv.Writer
	rows int64
}

// NewEncoder writes the header row and returns an encoder ready for rows.
func NewEncoder() (*Encoder, error) {
	e := &Encoder{sum: sha256.New()}
	e.w = csv.NewWriter(io.MultiWriter(&e.buf, e.sum))
	if err := e.w.Write(csvHeader); err != nil {
		return nil, err
	}
	return e, nil
}

// Add appends one heartbeat row.
func (e *Encoder) Add(hb *types.Heartbeat) error {
	rec := []string{
		hb.DeviceID,
		strconv.FormatInt(hb.TS.UnixMilli(), 10),
		strconv.Itoa(hb.BatteryPct),
		hb.NetworkType,
		formatBoolPtr(hb.UnityRunning),
		strconv.Itoa(hb.SignalDBM),
		hb.AgentVersion,
		hb.IP,
		hb.Status,
	}
	if err := e.w.Write(rec); err != nil {
		return err
	}
	e.rows++
	return nil
}

// Finish flushes the writer and returns the encoded bytes with their
// SHA-256 checksum.
func (e *Encoder) Finish() (*Result, error) {
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return nil, err
	}
	return &Result{
		Data:     e.buf.Bytes(),
		Checksum: hex.EncodeToString(e.sum.Sum(nil)),
		RowCount: e.rows,
	}, nil
}

// Store uploads an encoded archive and returns its URL.
func Store(ctx context.Context, backend Backend, partition string, res *Result) (string, error) {
	url, err := backend.Put(ctx, KeyFor(partition), res.Data, "text/csv")
	if err != nil {
		return "", fmt.Errorf("failed to store archive %s: %w", partition, err)
	}
	return url, nil
}

func formatBoolPtr(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}
