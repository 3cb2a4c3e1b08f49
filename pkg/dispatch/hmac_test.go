package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCanonicalString pins the exact byte layout both sides sign.
func TestCanonicalString(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{
			name:   "no params",
			params: nil,
			want:   "r1|d1|ping|1756200000000",
		},
		{
			name:   "params sorted by key",
			params: map[string]string{"ssid": "lobby", "password": "hunter2"},
			want:   "r1|d1|ping|1756200000000|password:hunter2|ssid:lobby",
		},
		{
			name:   "empty values omitted",
			params: map[string]string{"ssid": "lobby", "password": ""},
			want:   "r1|d1|ping|1756200000000|ssid:lobby",
		},
		{
			name:   "all values empty",
			params: map[string]string{"a": "", "b": ""},
			want:   "r1|d1|ping|1756200000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanonicalString("r1", "d1", "ping", 1756200000000, tt.params)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	canonical := CanonicalString("r1", "d1", "launch_app", 1756200000000,
		map[string]string{"package": "com.example.app"})

	sig := Sign("server-key", canonical)
	assert.Len(t, sig, 64, "hex SHA-256")
	assert.True(t, VerifySignature("server-key", canonical, sig))

	assert.False(t, VerifySignature("other-key", canonical, sig))
	assert.False(t, VerifySignature("server-key", canonical+"x", sig))
	assert.False(t, VerifySignature("server-key", canonical, sig[:63]+"0"))
}

func TestSignDeterministic(t *testing.T) {
	// Map iteration order must not leak into the signature
	p1 := map[string]string{"a": "1", "b": "2", "c": "3"}
	p2 := map[string]string{"c": "3", "a": "1", "b": "2"}

	c1 := CanonicalString("r1", "d1", "ping", 1, p1)
	c2 := CanonicalString("r1", "d1", "ping", 1, p2)
	assert.Equal(t, Sign("k", c1), Sign("k", c2))
}
