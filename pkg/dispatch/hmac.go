package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// CanonicalString builds the exact byte sequence both sides sign:
// "{request_id}|{device_id}|{action}|{ts}" followed by "|k:v" pairs in
// lexicographic key order. Pairs with empty values are omitted so the
// device can reproduce the string without knowing which optional fields
// the server considered.
func CanonicalString(requestID, deviceID, action string, ts int64, params map[string]string) string {
	var b strings.Builder
	b.WriteString(requestID)
	b.WriteByte('|')
	b.WriteString(deviceID)
	b.WriteByte('|')
	b.WriteString(action)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(ts, 10))

	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			if params[k] == "" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(params[k])
		}
	}
	return b.String()
}

// Sign computes the hex HMAC-SHA256 of the canonical string.
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature in constant time.
func VerifySignature(secret, canonical, signature string) bool {
	want := Sign(secret, canonical)
	return hmac.Equal([]byte(want), []byte(signature))
}
