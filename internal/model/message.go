package model

import "time"

type (
	EncryptedPayload struct {
		Nonce      []byte `json:"nonce" bson:"nonce"`
		Ciphertext []byte `json:"ciphertext" bson:"ciphertext"`
		AuthTag    []byte `json:"authTag" bson:"auth_tag"`
	}

	Message struct {
		ID         string           `bson:"id"`
		Index      uint32           `bson:"index"`
		SenderIsMe bool             `bson:"sender_is_me"`
		Plaintext  string           `bson:"plaintext"`
		Payload    EncryptedPayload `bson:"payload"`
		Proof      *Proof           `bson:"proof"`
		Timestamp  time.Time        `bson:"timestamp"`
	}

	// MessageRecord is the persisted/transmitted form of a message.
	MessageRecord struct {
		ID        string         `json:"id"`
		Index     uint32         `json:"index"`
		Time      string         `json:"time"`
		Timestamp int64          `json:"timestamp"`
		Content   MessageContent `json:"content"`
	}

	MessageContent struct {
		Proof            *Proof           `json:"proof"`
		EncryptedMessage EncryptedPayload `json:"encryptedMessage"`
		PureMessage      string           `json:"pureMessage,omitempty"`
	}
)

func (m *Message) Record() MessageRecord {
	return MessageRecord{
		ID:        m.ID,
		Index:     m.Index,
		Time:      m.Timestamp.Format("15:04"),
		Timestamp: m.Timestamp.UnixMilli(),
		Content: MessageContent{
			Proof:            m.Proof,
			EncryptedMessage: m.Payload,
			PureMessage:      m.Plaintext,
		},
	}
}

// ForWire drops the local plaintext before the record is sent to the peer.
func (r MessageRecord) ForWire() MessageRecord {
	r.Content.PureMessage = ""
	return r
}
