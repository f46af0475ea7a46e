package kdf

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// maxOutput is the HKDF-SHA256 output limit (255 blocks).
const maxOutput = 255 * sha256.Size

var ErrKeySize = errors.New("kdf: invalid output size")

// DeriveKey expands secret into size bytes of HKDF-SHA256 output bound to info.
func DeriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	if size <= 0 || size > maxOutput {
		return nil, fmt.Errorf("%w: %d", ErrKeySize, size)
	}
	if len(secret) == 0 {
		return nil, errors.New("kdf: empty secret")
	}

	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("kdf: expand: %w", err)
	}
	return out, nil
}
