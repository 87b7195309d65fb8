package wal

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyDomain = "keyreplay-outbox-v1"

// DeriveKey derives the entry HMAC key from a configured secret.
func DeriveKey(secret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(keyDomain), []byte("entry-hmac"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("wal: derive key: %w", err)
	}
	return key, nil
}
