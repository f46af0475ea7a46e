package app

import (
	"context"
	"errors"
	"fmt"

	"zk_chat/internal/model"
)

var (
	ErrNotJoinable = errors.New("chat is not joinable with this key")
	ErrUnknownChat = errors.New("chat not found in local store")
)

const (
	ModeNew  = "new"
	ModeJoin = "join"
	ModeOpen = "open"
)

// openChat creates, joins or loads the chat the client will run.
func (c *App) openChat(ctx context.Context, mode, chatID string) (*model.ChatSession, error) {
	switch mode {
	case ModeOpen:
		chat, err := c.chatRepo.Get(ctx, chatID)
		if err != nil {
			return nil, err
		}
		if chat == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
		}
		return chat, nil

	case ModeNew:
		kp, err := model.NewKeyPair()
		if err != nil {
			return nil, err
		}
		id, err := c.api.CreateChatID(ctx, kp.PublicKey)
		if err != nil {
			return nil, err
		}
		chat := model.NewChatSession(id, *kp, "")
		return chat, c.chatRepo.Save(ctx, chat)

	case ModeJoin:
		kp, err := model.NewKeyPair()
		if err != nil {
			return nil, err
		}
		res, err := c.api.VerifyChatID(ctx, chatID, kp.PublicKey)
		if err != nil {
			return nil, err
		}
		if !res.IsJoinable {
			return nil, fmt.Errorf("%w: %s", ErrNotJoinable, chatID)
		}
		chat := model.NewChatSession(chatID, *kp, res.Peer(kp.PublicKey))
		return chat, c.chatRepo.Save(ctx, chat)

	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// refreshPeer asks the registry whether the guest has joined a chat we host.
func (c *App) refreshPeer(ctx context.Context) error {
	snap := c.session.Snapshot()
	if snap.Participants.Theirs != "" {
		return nil
	}

	res, err := c.api.VerifyChatID(ctx, snap.ChatID, snap.Participants.Mine.PublicKey)
	if err != nil {
		return err
	}
	peer := res.Peer(snap.Participants.Mine.PublicKey)
	if peer == "" {
		return nil
	}
	return c.session.SetPeer(ctx, peer)
}
