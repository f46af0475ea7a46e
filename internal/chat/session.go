// Package chat drives one conversation: it encrypts and proves outgoing
// messages, checks incoming ones against the local chain and gates the
// actions that depend on the chat's lifecycle.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"zk_chat/internal/model"
	"zk_chat/internal/protocol/commitment"
	"zk_chat/internal/utils/log"
	"zk_chat/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoPeer   = errors.New("chat: peer has not joined yet")
	ErrChatFull = errors.New("chat: message history is full")
)

type (
	Store interface {
		Save(ctx context.Context, chat *model.ChatSession) error
		Delete(ctx context.Context, chatID string) error
	}

	Boundary interface {
		EncryptMessage(ctx context.Context, mine *model.KeyPair, peer, plaintext string) (model.EncryptedPayload, error)
		DecryptMessage(ctx context.Context, mine *model.KeyPair, peer string, payload model.EncryptedPayload) (string, error)
		Prove(ctx context.Context, signer *model.KeyPair, messageHash model.Hash, history []model.Hash, prev *model.Proof) (*model.Proof, error)
		VerifyMessage(ctx context.Context, req worker.VerifyMessage) error
	}

	// Session serialises every change to a chat. Sends and receives run one
	// at a time, so the proof for message n+1 never starts before proof n
	// is done.
	Session struct {
		mu       sync.Mutex
		data     *model.ChatSession
		store    Store
		boundary Boundary
		now      func() time.Time
	}
)

func NewSession(data *model.ChatSession, store Store, boundary Boundary) *Session {
	return &Session{data: data, store: store, boundary: boundary, now: time.Now}
}

func (s *Session) ID() string {
	return s.data.ChatID
}

// Snapshot returns a copy that is safe to read while the session moves on.
func (s *Session) Snapshot() model.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.data
	cp.Messages = append([]model.Message(nil), s.data.Messages...)
	return cp
}

// SetPeer records the peer's public key once it has joined.
func (s *Session) SetPeer(ctx context.Context, peer string) error {
	if _, err := model.ParsePublicKey(peer); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Participants.Theirs == peer {
		return nil
	}
	if s.data.Participants.Theirs != "" {
		return fmt.Errorf("%w: chat already has a peer", model.ErrLifecycle)
	}
	s.data.Participants.Theirs = peer
	return s.store.Save(ctx, s.data)
}

func (s *Session) Send(ctx context.Context, plaintext string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActive("send"); err != nil {
		return nil, err
	}
	peer := s.data.Participants.Theirs
	if peer == "" {
		return nil, ErrNoPeer
	}

	index := uint32(len(s.data.Messages))
	if index >= uint32(1)<<commitment.Depth {
		return nil, ErrChatFull
	}

	mine := &s.data.Participants.Mine
	history := s.historyLocked()
	prev := s.data.LatestProof()
	hash := commitment.HashMessage(plaintext)

	var (
		payload model.EncryptedPayload
		proof   *model.Proof
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		payload, err = s.boundary.EncryptMessage(gctx, mine, peer, plaintext)
		return err
	})
	g.Go(func() error {
		var err error
		proof, err = s.boundary.Prove(gctx, mine, hash, history, prev)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error("send message failed", zap.String("chat_id", s.data.ChatID), zap.Uint32("index", index), zap.Error(err))
		return nil, err
	}

	msg := model.Message{
		ID:         uuid.NewString(),
		Index:      index,
		SenderIsMe: true,
		Plaintext:  plaintext,
		Payload:    payload,
		Proof:      proof,
		Timestamp:  s.now(),
	}
	if err := s.appendLocked(ctx, msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Receive accepts a record from the peer. The record must be the next one in
// the chain and its proof must check out against the local history.
func (s *Session) Receive(ctx context.Context, rec model.MessageRecord) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActive("receive"); err != nil {
		return nil, err
	}
	peer := s.data.Participants.Theirs
	if peer == "" {
		return nil, ErrNoPeer
	}

	index := uint32(len(s.data.Messages))
	if index >= uint32(1)<<commitment.Depth {
		return nil, ErrChatFull
	}
	if rec.Index != index {
		return nil, fmt.Errorf("%w: got message %d, expected %d", model.ErrChaining, rec.Index, index)
	}

	mine := &s.data.Participants.Mine
	plaintext, err := s.boundary.DecryptMessage(ctx, mine, peer, rec.Content.EncryptedMessage)
	if err != nil {
		return nil, err
	}

	err = s.boundary.VerifyMessage(ctx, worker.VerifyMessage{
		Proof:     rec.Content.Proof,
		Previous:  s.data.LatestProof(),
		History:   s.historyLocked(),
		Plaintext: plaintext,
		Signer:    peer,
	})
	if err != nil {
		log.Warn("rejected incoming message", zap.String("chat_id", s.data.ChatID), zap.Uint32("index", index), zap.Error(err))
		return nil, err
	}

	ts := time.UnixMilli(rec.Timestamp)
	if rec.Timestamp == 0 {
		ts = s.now()
	}
	msg := model.Message{
		ID:        rec.ID,
		Index:     index,
		Plaintext: plaintext,
		Payload:   rec.Content.EncryptedMessage,
		Proof:     rec.Content.Proof,
		Timestamp: ts,
	}
	if err := s.appendLocked(ctx, msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// VerifyHistory replays the stored messages and checks that they rebuild the
// root of the latest proof and form an unbroken chain.
func (s *Session) VerifyHistory() error {
	snap := s.Snapshot()

	var prev *model.Proof
	for i := range snap.Messages {
		m := &snap.Messages[i]
		if m.Proof == nil {
			return fmt.Errorf("%w: message %d has no proof", model.ErrChaining, i)
		}
		if m.Index != uint32(i) || !m.Proof.Follows(prev) {
			return fmt.Errorf("%w: chain broken at message %d", model.ErrChaining, i)
		}
		if m.Proof.MessageHash != commitment.HashMessage(m.Plaintext) {
			return fmt.Errorf("%w: message %d does not match its proof", model.ErrChaining, i)
		}
		prev = m.Proof
	}
	if prev == nil {
		return nil
	}

	tree, err := commitment.FromMessages(commitment.Depth, snap.Plaintexts())
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrChaining, err)
	}
	if tree.Root() != prev.Root {
		return fmt.Errorf("%w: replayed root %s does not match latest proof root %s", model.ErrChaining, tree.Root(), prev.Root)
	}
	return nil
}

// Depart marks the chat as left by the peer. Chats that already terminated
// stay terminated.
func (s *Session) Depart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.State != model.LifecycleActive {
		return nil
	}
	s.data.State = model.LifecycleDeparted
	log.Info("peer left chat", zap.String("chat_id", s.data.ChatID))
	return s.store.Save(ctx, s.data)
}

// ApplySettlement stores st only if the stored settlement status is still
// from, so two concurrent attempts cannot both move the same chat forward.
// Once settlement has started the chat is terminated.
func (s *Session) ApplySettlement(ctx context.Context, from model.SettlementStatus, st model.SettlementState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.data.Settlement.Status; cur != from {
		return fmt.Errorf("%w: chat is %s, expected %s", model.ErrSettlementConflict, cur, from)
	}

	prevSettlement, prevState := s.data.Settlement, s.data.State
	s.data.Settlement = st
	if st.Status != model.SettlementNone {
		s.data.State = model.LifecycleTerminated
	}
	if err := s.store.Save(ctx, s.data); err != nil {
		s.data.Settlement, s.data.State = prevSettlement, prevState
		return err
	}
	return nil
}

func (s *Session) ShareLink(appURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive("share"); err != nil {
		return "", err
	}
	return url.JoinPath(appURL, "chat", s.data.ChatID)
}

func (s *Session) CanDelete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.State == model.LifecycleTerminated || s.data.State == model.LifecycleDeparted
}

func (s *Session) Delete(ctx context.Context) error {
	if !s.CanDelete() {
		return fmt.Errorf("%w: delete needs a terminated or departed chat", model.ErrLifecycle)
	}
	return s.store.Delete(ctx, s.data.ChatID)
}

func (s *Session) requireActive(action string) error {
	if s.data.State != model.LifecycleActive {
		return fmt.Errorf("%w: cannot %s in a %s chat", model.ErrLifecycle, action, s.data.State)
	}
	return nil
}

func (s *Session) historyLocked() []model.Hash {
	out := make([]model.Hash, len(s.data.Messages))
	for i, m := range s.data.Messages {
		out[i] = commitment.HashMessage(m.Plaintext)
	}
	return out
}

func (s *Session) appendLocked(ctx context.Context, msg model.Message) error {
	s.data.Messages = append(s.data.Messages, msg)
	if err := s.store.Save(ctx, s.data); err != nil {
		s.data.Messages = s.data.Messages[:len(s.data.Messages)-1]
		return err
	}
	log.Debug("message appended",
		zap.String("chat_id", s.data.ChatID),
		zap.Uint32("index", msg.Index),
		zap.Bool("mine", msg.SenderIsMe),
	)
	return nil
}
