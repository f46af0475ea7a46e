package model

type EnvelopeType string

const (
	EnvelopeMessage  EnvelopeType = "message"
	EnvelopeDeparted EnvelopeType = "departed"
)

// Envelope is what travels through the relay. Record is set for messages
// only.
type Envelope struct {
	Type   EnvelopeType   `json:"type"`
	ChatID string         `json:"chatId"`
	From   string         `json:"from"`
	To     string         `json:"to"`
	Record *MessageRecord `json:"record,omitempty"`
}
