package utilities

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands a shared secret into a 32-byte key bound to label, so
// distinct signing contexts never use the same key material directly.
func DeriveKey(secret, label string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("secret is required")
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(label))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
