package model

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"zk_chat/internal/cryptographic/dh"
	"zk_chat/internal/cryptographic/signature"

	"github.com/mr-tron/base58"
)

const publicKeyLen = ed25519.PublicKeySize + 32

type (
	// KeyPair is the per-chat ephemeral identity. The seed never leaves the
	// local store; only PublicKey is shared with the peer.
	KeyPair struct {
		Seed      []byte `json:"-" bson:"seed"`
		PublicKey string `json:"publicKey" bson:"public_key"`
	}

	// PublicKey is the decoded form of KeyPair.PublicKey: an Ed25519 verify key
	// followed by an X25519 exchange key.
	PublicKey struct {
		Verify   ed25519.PublicKey
		Exchange [32]byte
	}
)

func NewKeyPair() (*KeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return KeyPairFromSeed(seed)
}

func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	signing, err := signature.KeyFromSeed(seed)
	if err != nil {
		return nil, err
	}

	xpub, err := dh.PublicFromPrivate(dh.PrivateFromSeed(seed))
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 0, publicKeyLen)
	raw = append(raw, signing.Public().(ed25519.PublicKey)...)
	raw = append(raw, xpub[:]...)

	return &KeyPair{
		Seed:      append([]byte(nil), seed...),
		PublicKey: base58.Encode(raw),
	}, nil
}

func (k *KeyPair) SigningKey() (ed25519.PrivateKey, error) {
	return signature.KeyFromSeed(k.Seed)
}

func (k *KeyPair) ExchangeKey() [32]byte {
	return dh.PrivateFromSeed(k.Seed)
}

func ParsePublicKey(s string) (*PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode public key: %v", ErrCrypto, err)
	}
	if len(raw) != publicKeyLen {
		return nil, fmt.Errorf("%w: public key has %d bytes, expected %d", ErrCrypto, len(raw), publicKeyLen)
	}

	pk := &PublicKey{Verify: ed25519.PublicKey(raw[:ed25519.PublicKeySize])}
	copy(pk.Exchange[:], raw[ed25519.PublicKeySize:])
	return pk, nil
}
