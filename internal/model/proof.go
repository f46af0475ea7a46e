package model

type (
	// Proof is the serialized attestation for one message of a chat. Digest
	// folds the previous proof's digest together with this statement, so the
	// chain of digests fixes the order of every proven message.
	Proof struct {
		Index       uint32 `json:"index" bson:"index"`
		Root        Hash   `json:"root" bson:"root"`
		MessageHash Hash   `json:"messageHash" bson:"message_hash"`
		Signature   []byte `json:"signature" bson:"signature"`
		Signer      string `json:"signer" bson:"signer"`
		PrevDigest  Hash   `json:"prevDigest" bson:"prev_digest"`
		Digest      Hash   `json:"digest" bson:"digest"`
		Data        []byte `json:"data" bson:"data"`
	}
)

// Follows reports whether p directly extends prev.
func (p *Proof) Follows(prev *Proof) bool {
	if prev == nil {
		return p.Index == 0 && p.PrevDigest.IsZero()
	}
	return p.Index == prev.Index+1 && p.PrevDigest == prev.Digest
}
