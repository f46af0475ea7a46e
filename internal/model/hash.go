package model

import (
	"encoding/hex"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Hash is a 32-byte big-endian encoding of a bn254 scalar field element.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	return h.set(b)
}

// MarshalBSONValue stores the hash as BSON binary instead of an int array.
func (h Hash) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(h[:])
}

func (h *Hash) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var b []byte
	if err := (bson.RawValue{Type: t, Value: data}).Unmarshal(&b); err != nil {
		return err
	}
	return h.set(b)
}

func (h *Hash) set(b []byte) error {
	if len(b) != len(h) {
		return fmt.Errorf("hash: got %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return nil
}
