package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"zk_chat/internal/model"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

type TxKind string

const (
	TxDeploy TxKind = "deploy"
	TxSettle TxKind = "settle"
)

var (
	ErrBadSignature = errors.New("ledger: transaction signature does not verify")
	ErrWrongKind    = errors.New("ledger: unexpected transaction kind")
)

type (
	DeployBody struct {
		ContractPublicKey string     `cbor:"1,keyasint"`
		FeePayer          string     `cbor:"2,keyasint"`
		VerifyingKeyHash  model.Hash `cbor:"3,keyasint"`
		Fee               uint64     `cbor:"4,keyasint"`
	}

	SettleBody struct {
		ContractPublicKey string       `cbor:"1,keyasint"`
		HostUser          string       `cbor:"2,keyasint"`
		GuestUser         string       `cbor:"3,keyasint"`
		ChatID            string       `cbor:"4,keyasint"`
		Root              model.Hash   `cbor:"5,keyasint"`
		Timestamp         int64        `cbor:"6,keyasint"`
		Proof             *model.Proof `cbor:"7,keyasint"`
		Fee               uint64       `cbor:"8,keyasint"`
	}

	// Transaction is what the wallet signs and submits. Body is the CBOR
	// encoding of a DeployBody or SettleBody.
	Transaction struct {
		Kind      TxKind `cbor:"1,keyasint" json:"kind"`
		Body      []byte `cbor:"2,keyasint" json:"body"`
		Signature []byte `cbor:"3,keyasint,omitempty" json:"signature,omitempty"`
	}
)

func GenerateContractKey() (*secp256k1.PrivateKey, string, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate contract key: %w", err)
	}
	return priv, EncodePublicKey(priv.PubKey()), nil
}

func EncodePublicKey(pub *secp256k1.PublicKey) string {
	return base58.Encode(pub.SerializeCompressed())
}

func ParsePublicKey(s string) (*secp256k1.PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode contract key: %w", err)
	}
	return secp256k1.ParsePubKey(raw)
}

// NewDeploy builds a deploy transaction authorised by the fresh contract key.
func NewDeploy(contractKey *secp256k1.PrivateKey, body DeployBody) (*Transaction, error) {
	raw, err := cbor.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("encode deploy body: %w", err)
	}
	tx := &Transaction{Kind: TxDeploy, Body: raw}

	digest := tx.Digest()
	sig, err := schnorr.Sign(contractKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign deploy: %w", err)
	}
	tx.Signature = sig.Serialize()
	return tx, nil
}

// NewSettle builds a settlement transaction. It is signed by the fee payer's
// wallet, not here.
func NewSettle(body SettleBody) (*Transaction, error) {
	raw, err := cbor.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("encode settle body: %w", err)
	}
	return &Transaction{Kind: TxSettle, Body: raw}, nil
}

func (t *Transaction) Digest() [32]byte {
	h := blake3.New()
	h.Write([]byte(t.Kind))
	h.Write(t.Body)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (t *Transaction) DecodeDeploy() (*DeployBody, error) {
	if t.Kind != TxDeploy {
		return nil, fmt.Errorf("%w: %s", ErrWrongKind, t.Kind)
	}
	var body DeployBody
	if err := cbor.Unmarshal(t.Body, &body); err != nil {
		return nil, fmt.Errorf("decode deploy body: %w", err)
	}
	return &body, nil
}

func (t *Transaction) DecodeSettle() (*SettleBody, error) {
	if t.Kind != TxSettle {
		return nil, fmt.Errorf("%w: %s", ErrWrongKind, t.Kind)
	}
	var body SettleBody
	if err := cbor.Unmarshal(t.Body, &body); err != nil {
		return nil, fmt.Errorf("decode settle body: %w", err)
	}
	return &body, nil
}

// VerifyDeploy checks the contract key signature of a deploy transaction.
func (t *Transaction) VerifyDeploy() error {
	body, err := t.DecodeDeploy()
	if err != nil {
		return err
	}
	pub, err := ParsePublicKey(body.ContractPublicKey)
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(t.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	digest := t.Digest()
	if !sig.Verify(digest[:], pub) {
		return ErrBadSignature
	}
	return nil
}

func (t *Transaction) JSON() (json.RawMessage, error) {
	return json.Marshal(t)
}
