package model

type (
	CreateChatIDRequest struct {
		SenderPublicKey string `json:"senderPublicKey"`
	}

	CreateChatIDResponse struct {
		ChatID string `json:"chat_id"`
	}

	VerifyChatIDRequest struct {
		ChatID      string `json:"chat_id"`
		MyPublicKey string `json:"myPublicKey"`
	}

	VerifyChatIDResponse struct {
		IsJoinable        bool   `json:"isJoinable"`
		SenderPublicKey   string `json:"senderPublicKey"`
		ReceiverPublicKey string `json:"receiverPublicKey"`
	}
)

// Peer returns the participant key that is not mine, or "" if nobody else
// has joined yet.
func (r *VerifyChatIDResponse) Peer(mine string) string {
	if r.SenderPublicKey == mine {
		return r.ReceiverPublicKey
	}
	return r.SenderPublicKey
}
