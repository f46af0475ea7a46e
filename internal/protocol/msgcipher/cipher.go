package msgcipher

import (
	"fmt"

	"zk_chat/internal/cryptographic/dh"
	"zk_chat/internal/cryptographic/encryption"
	"zk_chat/internal/cryptographic/kdf"
	"zk_chat/internal/model"
)

var keyInfo = []byte("zk_chat message key v1")

// DeriveSharedKey turns the X25519 agreement between our chat key and the
// peer's public key into an AES-256 key. Both sides derive the same key.
func DeriveSharedKey(mine *model.KeyPair, peerPublic string) ([]byte, error) {
	peer, err := model.ParsePublicKey(peerPublic)
	if err != nil {
		return nil, err
	}

	secret, err := dh.X25519SharedSecret(mine.ExchangeKey(), peer.Exchange)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCrypto, err)
	}

	key, err := kdf.DeriveKey(secret, nil, keyInfo, encryption.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCrypto, err)
	}
	return key, nil
}

func Encrypt(key []byte, plaintext string) (model.EncryptedPayload, error) {
	nonce, ct, tag, err := encryption.AEADSeal(key, []byte(plaintext), nil)
	if err != nil {
		return model.EncryptedPayload{}, fmt.Errorf("%w: %v", model.ErrCrypto, err)
	}
	return model.EncryptedPayload{
		Nonce:      nonce,
		Ciphertext: ct,
		AuthTag:    tag,
	}, nil
}

// Decrypt never returns partial plaintext: any key, nonce, ciphertext or tag
// mismatch is reported as model.ErrCrypto.
func Decrypt(key []byte, payload model.EncryptedPayload) (string, error) {
	plain, err := encryption.AEADOpen(key, payload.Nonce, payload.Ciphertext, payload.AuthTag, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrCrypto, err)
	}
	return string(plain), nil
}
