package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/types"
)

func sampleHeartbeats() []*types.Heartbeat {
	up := true
	return []*types.Heartbeat{
		{
			DeviceID:     "d1",
			TS:           time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
			BatteryPct:   80,
			NetworkType:  "wifi",
			UnityRunning: &up,
			SignalDBM:    -60,
			AgentVersion: "1.4.2",
			IP:           "10.0.0.5",
			Status:       "ok",
		},
		{
			DeviceID:   "d2",
			TS:         time.Date(2026, 8, 20, 10, 0, 10, 0, time.UTC),
			BatteryPct: 45,
		},
	}
}

func TestEncoderDeterministic(t *testing.T) {
	encode := func() *Result {
		enc, err := NewEncoder()
		require.NoError(t, err)
		for _, hb := range sampleHeartbeats() {
			require.NoError(t, enc.Add(hb))
		}
		res, err := enc.Finish()
		require.NoError(t, err)
		return res
	}

	a, b := encode(), encode()
	assert.Equal(t, a.Data, b.Data, "same rows produce the same bytes")
	assert.Equal(t, a.Checksum, b.Checksum)
	assert.Equal(t, int64(2), a.RowCount)

	// The checksum covers exactly the stored bytes
	sum := sha256.Sum256(a.Data)
	assert.Equal(t, hex.EncodeToString(sum[:]), a.Checksum)
}

func TestEncoderRendering(t *testing.T) {
	enc, err := NewEncoder()
	require.NoError(t, err)
	for _, hb := range sampleHeartbeats() {
		require.NoError(t, enc.Add(hb))
	}
	res, err := enc.Finish()
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(res.Data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "device_id,ts,battery_pct,network_type,unity_running,signal_dbm,agent_version,ip,status", lines[0])
	assert.Equal(t, "d1,1787220000000,80,wifi,true,-60,1.4.2,10.0.0.5,ok", lines[1])
	// Unknown unity state renders as an empty column
	assert.Equal(t, "d2,1787220010000,45,,,0,,,", lines[2])
}

func TestEncoderEmptyPartition(t *testing.T) {
	enc, err := NewEncoder()
	require.NoError(t, err)
	res, err := enc.Finish()
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.RowCount)
	assert.NotEmpty(t, res.Checksum, "header-only file still has a checksum")
}

func TestLocalBackend(t *testing.T) {
	root := t.TempDir()
	backend, err := NewLocalBackend(root)
	require.NoError(t, err)

	enc, err := NewEncoder()
	require.NoError(t, err)
	for _, hb := range sampleHeartbeats() {
		require.NoError(t, enc.Add(hb))
	}
	res, err := enc.Finish()
	require.NoError(t, err)

	url, err := Store(context.Background(), backend, "heartbeats_20260820", res)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "file://"))

	// The stored bytes hash to the recorded checksum
	data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, res.Checksum, hex.EncodeToString(sum[:]))

	// A retried archive lands on the same key and overwrites
	url2, err := Store(context.Background(), backend, "heartbeats_20260820", res)
	require.NoError(t, err)
	assert.Equal(t, url, url2)
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "heartbeats/heartbeats_20260820.csv", KeyFor("heartbeats_20260820"))
}
