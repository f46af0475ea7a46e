// Package settlement anchors a finished chat on the ledger: it deploys a
// per-chat contract when needed, waits for it to activate and submits the
// chained proof of the conversation.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"zk_chat/internal/ledger"
	"zk_chat/internal/model"
	"zk_chat/internal/utils/log"
	"zk_chat/internal/worker"

	"go.uber.org/zap"
)

var ErrNothingToSettle = errors.New("settlement: chat has no proven messages")

type (
	// Chat is the view of a chat session the orchestrator works on.
	Chat interface {
		Snapshot() model.ChatSession
		// ApplySettlement persists st if the stored status still equals from
		// and fails with model.ErrSettlementConflict otherwise.
		ApplySettlement(ctx context.Context, from model.SettlementStatus, st model.SettlementState) error
	}

	Activation interface {
		WaitForActivation(ctx context.Context, txHash string) (ledger.TxStatus, error)
	}

	Confirmer interface {
		Confirm(ctx context.Context, prompt string) (bool, error)
	}

	ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

	Config struct {
		Network  worker.Network
		FeePayer string
		Fee      uint64
		Memo     string
	}

	Orchestrator struct {
		cfg        Config
		wallet     ledger.Wallet
		activation Activation
		confirm    Confirmer
		open       func() *worker.Boundary
	}
)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// New builds an orchestrator. open is called once per settlement attempt and
// the boundary it returns is closed when the attempt ends.
func New(cfg Config, wallet ledger.Wallet, activation Activation, confirm Confirmer, open func() *worker.Boundary) *Orchestrator {
	if open == nil {
		open = func() *worker.Boundary { return worker.Open(worker.NewState(nil)) }
	}
	return &Orchestrator{
		cfg:        cfg,
		wallet:     wallet,
		activation: activation,
		confirm:    confirm,
		open:       open,
	}
}

// Settle runs the whole flow: deploy if the chat has no contract yet, wait for
// activation, then settle. A chat that is settling, settled or failed is
// rejected with ErrSettlementConflict.
func (o *Orchestrator) Settle(ctx context.Context, chat Chat) (model.SettlementState, error) {
	snap := chat.Snapshot()
	st := snap.Settlement

	switch st.Status {
	case model.SettlementNone, model.SettlementDeployed:
	default:
		return st, fmt.Errorf("%w: chat %s is %s", model.ErrSettlementConflict, snap.ChatID, st.Status)
	}
	if snap.LatestProof() == nil {
		return st, ErrNothingToSettle
	}

	prompt := fmt.Sprintf("Settle chat %s with %d messages on the ledger?", snap.ChatID, len(snap.Messages))
	ok, err := o.confirm.Confirm(ctx, prompt)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, model.ErrCancelled
	}

	b := o.open()
	defer b.Close()

	if err := o.prepare(ctx, b); err != nil {
		return st, err
	}

	if st.Status == model.SettlementNone {
		if st, err = o.deploy(ctx, b, chat, st); err != nil {
			return st, err
		}
	} else {
		log.Info("contract already deployed, skipping deploy",
			zap.String("chat_id", snap.ChatID), zap.String("contract", st.ContractPublicKey))
	}

	return o.settle(ctx, b, chat, st)
}

// Deploy deploys a fresh contract for chat and waits until it is active.
// Only a chat that has never been deployed can be deployed.
func (o *Orchestrator) Deploy(ctx context.Context, chat Chat) (model.SettlementState, error) {
	st := chat.Snapshot().Settlement
	if st.Status != model.SettlementNone {
		return st, fmt.Errorf("%w: contract already %s", model.ErrSettlementConflict, st.Status)
	}

	b := o.open()
	defer b.Close()

	if err := o.prepare(ctx, b); err != nil {
		return st, err
	}
	return o.deploy(ctx, b, chat, st)
}

func (o *Orchestrator) WaitForActivation(ctx context.Context, txHash string) (ledger.TxStatus, error) {
	return o.activation.WaitForActivation(ctx, txHash)
}

func (o *Orchestrator) prepare(ctx context.Context, b *worker.Boundary) error {
	if err := b.SetNetwork(ctx, o.cfg.Network); err != nil {
		return err
	}

	if o.cfg.Network.AccountURL != "" {
		_, err := b.FetchAccount(ctx, o.cfg.FeePayer)
		log.Info("fee payer account", zap.String("public_key", o.cfg.FeePayer), zap.Bool("exists", err == nil))
	}

	steps := []func(context.Context) error{
		b.LoadProgram,
		b.CompileProgram,
		b.LoadContract,
		func(ctx context.Context) error {
			_, err := b.CompileContract(ctx)
			return err
		},
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) deploy(ctx context.Context, b *worker.Boundary, chat Chat, st model.SettlementState) (model.SettlementState, error) {
	if err := o.transition(ctx, chat, &st, model.SettlementDeploying, nil); err != nil {
		return st, err
	}

	dep, err := b.DeployContract(ctx, worker.DeployContract{FeePayer: o.cfg.FeePayer, Fee: o.cfg.Fee})
	if err != nil {
		return o.fail(chat, st, err)
	}

	hash, err := o.wallet.SendTransaction(ctx, ledger.SendTransactionArgs{
		Transaction: dep.Transaction,
		FeePayer:    ledger.FeePayer{Fee: o.cfg.Fee, Memo: o.cfg.Memo},
	})
	if err != nil {
		return o.fail(chat, st, err)
	}

	st.ContractPublicKey = dep.ContractPublicKey
	st.DeployTxHash = hash
	if err := chat.ApplySettlement(ctx, st.Status, st); err != nil {
		return st, err
	}

	status, err := o.activation.WaitForActivation(ctx, hash)
	if err != nil {
		return o.fail(chat, st, err)
	}
	if status != ledger.TxApplied {
		return o.fail(chat, st, fmt.Errorf("deploy transaction %s %s", hash, status))
	}

	if err := o.transition(ctx, chat, &st, model.SettlementDeployed, nil); err != nil {
		return st, err
	}
	return st, nil
}

func (o *Orchestrator) settle(ctx context.Context, b *worker.Boundary, chat Chat, st model.SettlementState) (model.SettlementState, error) {
	snap := chat.Snapshot()
	proof := snap.LatestProof()
	if proof == nil {
		return st, ErrNothingToSettle
	}

	if err := o.transition(ctx, chat, &st, model.SettlementSettling, nil); err != nil {
		return st, err
	}

	res, err := b.SettleContract(ctx, worker.SettleContract{
		HostUser:          snap.Participants.Mine.PublicKey,
		GuestUser:         snap.Participants.Theirs,
		ChatID:            snap.ChatID,
		ContractPublicKey: st.ContractPublicKey,
		Proof:             proof,
		Messages:          snap.Plaintexts(),
		Fee:               o.cfg.Fee,
	})
	if err != nil {
		return o.fail(chat, st, err)
	}

	hash, err := o.wallet.SendTransaction(ctx, ledger.SendTransactionArgs{
		Transaction: res.Transaction,
		FeePayer:    ledger.FeePayer{Fee: o.cfg.Fee, Memo: o.cfg.Memo},
	})
	if err != nil {
		return o.fail(chat, st, err)
	}

	st.SettleTxHash = hash
	if err := chat.ApplySettlement(ctx, st.Status, st); err != nil {
		return st, err
	}

	status, err := o.activation.WaitForActivation(ctx, hash)
	if err != nil {
		return o.fail(chat, st, err)
	}
	if status != ledger.TxApplied {
		return o.fail(chat, st, fmt.Errorf("settle transaction %s %s", hash, status))
	}

	err = o.transition(ctx, chat, &st, model.SettlementSettled, func(s *model.SettlementState) {
		s.SettleProof = proof
	})
	return st, err
}

func (o *Orchestrator) transition(ctx context.Context, chat Chat, st *model.SettlementState, to model.SettlementStatus, mutate func(*model.SettlementState)) error {
	if !st.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrSettlementConflict, st.Status, to)
	}

	next := *st
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	if err := chat.ApplySettlement(ctx, st.Status, next); err != nil {
		return err
	}

	log.Info("settlement transition",
		zap.String("chat_id", chat.Snapshot().ChatID),
		zap.String("from", string(st.Status)),
		zap.String("to", string(to)),
	)
	*st = next
	return nil
}

// fail records FAILED even when the caller's context is already cancelled and
// returns cause.
func (o *Orchestrator) fail(chat Chat, st model.SettlementState, cause error) (model.SettlementState, error) {
	ctx := context.Background()
	st.Reason = cause.Error()
	if err := o.transition(ctx, chat, &st, model.SettlementFailed, nil); err != nil {
		log.Error("failed to record settlement failure", zap.Error(err))
	}
	log.Warn("settlement failed", zap.String("chat_id", chat.Snapshot().ChatID), zap.Error(cause))
	return st, cause
}
