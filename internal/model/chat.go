package model

import "time"

type LifecycleState string

const (
	LifecycleActive     LifecycleState = "active"
	LifecycleTerminated LifecycleState = "terminated"
	LifecycleDeparted   LifecycleState = "departed"
)

type SettlementStatus string

const (
	SettlementNone      SettlementStatus = "NONE"
	SettlementDeploying SettlementStatus = "DEPLOYING"
	SettlementDeployed  SettlementStatus = "DEPLOYED"
	SettlementSettling  SettlementStatus = "SETTLING"
	SettlementSettled   SettlementStatus = "SETTLED"
	SettlementFailed    SettlementStatus = "FAILED"
)

var settlementTransitions = map[SettlementStatus][]SettlementStatus{
	SettlementNone:      {SettlementDeploying},
	SettlementDeploying: {SettlementDeployed, SettlementFailed},
	SettlementDeployed:  {SettlementSettling},
	SettlementSettling:  {SettlementSettled, SettlementFailed},
}

// CanTransition reports whether the settlement state machine allows s -> to.
// SETTLED and FAILED have no outgoing edges.
func (s SettlementStatus) CanTransition(to SettlementStatus) bool {
	for _, next := range settlementTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s SettlementStatus) Terminal() bool {
	return s == SettlementSettled || s == SettlementFailed
}

type (
	SettlementState struct {
		Status            SettlementStatus `json:"status" bson:"status"`
		ContractPublicKey string           `json:"contractPublicKey,omitempty" bson:"contract_public_key,omitempty"`
		DeployTxHash      string           `json:"deployTxHash,omitempty" bson:"deploy_tx_hash,omitempty"`
		SettleTxHash      string           `json:"settleTxHash,omitempty" bson:"settle_tx_hash,omitempty"`
		SettleProof       *Proof           `json:"settleProof,omitempty" bson:"settle_proof,omitempty"`
		Reason            string           `json:"reason,omitempty" bson:"reason,omitempty"`
	}

	Participants struct {
		Mine   KeyPair `bson:"mine"`
		Theirs string  `bson:"theirs"`
	}

	// ChatSession is the stored form of a chat owned by the local client.
	ChatSession struct {
		ChatID       string          `bson:"chat_id"`
		Participants Participants    `bson:"participants"`
		State        LifecycleState  `bson:"state"`
		Settlement   SettlementState `bson:"settlement"`
		Messages     []Message       `bson:"messages"`
		CreatedAt    time.Time       `bson:"created_at"`
	}
)

func NewChatSession(chatID string, mine KeyPair, theirs string) *ChatSession {
	return &ChatSession{
		ChatID:       chatID,
		Participants: Participants{Mine: mine, Theirs: theirs},
		State:        LifecycleActive,
		Settlement:   SettlementState{Status: SettlementNone},
		CreatedAt:    time.Now(),
	}
}

func (c *ChatSession) LatestProof() *Proof {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1].Proof
}

func (c *ChatSession) Plaintexts() []string {
	out := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.Plaintext
	}
	return out
}
