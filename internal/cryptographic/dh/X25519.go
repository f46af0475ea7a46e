package dh

import (
	"crypto/ecdh"
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

var ErrLowOrderPoint = errors.New("dh: shared secret is all zeros")

// PrivateFromSeed clamps sha512(seed)[:32] into an X25519 scalar, the same way
// an Ed25519 seed expands into its signing scalar.
func PrivateFromSeed(seed []byte) (priv [32]byte) {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	copy(priv[:], h[:32])
	return priv
}

func PublicFromPrivate(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	key, err := ecdh.X25519().NewPrivateKey(priv[:])
	if err != nil {
		return pub, fmt.Errorf("x25519 private key: %w", err)
	}
	copy(pub[:], key.PublicKey().Bytes())
	return pub, nil
}

// Perform X25519 scalar multiplication: priv * pub
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLowOrderPoint, err)
	}
	return out, nil
}
