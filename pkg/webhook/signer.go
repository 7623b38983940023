package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Deliveries are signed so receivers can authenticate the sender without a
// shared transport secret. The signature covers "<t>.<body>" where t is the
// unix timestamp of the attempt; binding the timestamp into the digest keeps
// a captured delivery from being replayed later under a fresh header.

// Sign computes the X-Signature header value for body at the given unix time.
func Sign(secret string, ts int64, body []byte) string {
	return fmt.Sprintf("t=%d, v1=%s", ts, signature(secret, ts, body))
}

// Verify checks a header produced by Sign using constant-time comparison.
// tolerance bounds how far the signed timestamp may sit from now; zero skips
// the freshness check. This is what a receiver runs; the dispatcher only
// signs, but keeping both sides in one place keeps them from drifting.
func Verify(secret, header string, body []byte, now, tolerance int64) bool {
	ts, provided, ok := parseSignature(header)
	if !ok {
		return false
	}
	if tolerance > 0 {
		drift := now - ts
		if drift < 0 {
			drift = -drift
		}
		if drift > tolerance {
			return false
		}
	}
	expected := signature(secret, ts, body)
	return hmac.Equal([]byte(provided), []byte(expected))
}

func signature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignature splits "t=<unix>, v1=<hex>" into its parts.
func parseSignature(header string) (ts int64, sig string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "t="):
			v, err := strconv.ParseInt(part[2:], 10, 64)
			if err != nil {
				return 0, "", false
			}
			ts = v
		case strings.HasPrefix(part, "v1="):
			sig = part[3:]
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", false
	}
	return ts, sig, true
}
