// Package capability implements the key engine: minting, hashing, resolution
// and authorization of capability keys. A capability URL carries the whole of
// its authority in the key segment; this package is the only place that
// authority is interpreted.
package capability

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// KeyLength is the length of a minted plaintext key. 28 base62 characters
// carry ~166 bits of entropy, far past guessability.
const KeyLength = 28

// PrefixLength is how much of the plaintext is kept for operator display.
const PrefixLength = 8

// randomString builds an n-character base62 string from crypto/rand.
func randomString(n int) (string, error) {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random string: %w", err)
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b), nil
}

// MintKey generates a fresh plaintext capability key.
func MintKey() (string, error) {
	return randomString(KeyLength)
}

// HashKey returns the stored form of a plaintext key: lowercase hex SHA-256.
// Keys are high-entropy random strings, so a plain digest is the right hash;
// there is nothing for a work factor to defend.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the display prefix of a plaintext key.
func Prefix(plaintext string) string {
	if len(plaintext) < PrefixLength {
		return plaintext
	}
	return plaintext[:PrefixLength]
}

// NewWorkspaceID generates a workspace identifier.
func NewWorkspaceID() (string, error) {
	s, err := randomString(16)
	if err != nil {
		return "", err
	}
	return "ws_" + s, nil
}

// NewKeyID generates a capability key record identifier.
func NewKeyID() (string, error) {
	s, err := randomString(16)
	if err != nil {
		return "", err
	}
	return "ck_" + s, nil
}

// NewWebhookID generates a webhook identifier.
func NewWebhookID() (string, error) {
	s, err := randomString(16)
	if err != nil {
		return "", err
	}
	return "wh_" + s, nil
}

// NewWebhookSecret generates a webhook signing secret.
func NewWebhookSecret() (string, error) {
	s, err := randomString(32)
	if err != nil {
		return "", err
	}
	return "whsec_" + s, nil
}

// NewEventID generates a webhook event identifier.
func NewEventID() (string, error) {
	s, err := randomString(16)
	if err != nil {
		return "", err
	}
	return "evt_" + s, nil
}

// NewDeliveryID generates a webhook delivery identifier.
func NewDeliveryID() (string, error) {
	s, err := randomString(16)
	if err != nil {
		return "", err
	}
	return "dlv_" + s, nil
}
