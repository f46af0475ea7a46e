package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"zk_chat/internal/chat"
	"zk_chat/internal/ledger"
	"zk_chat/internal/model"
	"zk_chat/internal/protocol/commitment"
	"zk_chat/internal/protocol/proofchain"
	"zk_chat/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProgram struct{}

func (fakeProgram) Prove(_ context.Context, st proofchain.Statement, w proofchain.Witness) (*model.Proof, error) {
	var prev model.Hash
	if w.Previous != nil {
		prev = w.Previous.Digest
	}
	return &model.Proof{
		Index:       st.Index,
		Root:        st.Root,
		MessageHash: st.MessageHash,
		Signature:   st.Signature,
		Signer:      st.Signer,
		PrevDigest:  prev,
		Digest:      commitment.ToField(append(prev[:], st.Root[:]...)),
		Data:        []byte("ok"),
	}, nil
}

func (fakeProgram) Verify(p *model.Proof) error {
	if p == nil || string(p.Data) != "ok" {
		return errors.New("bad proof")
	}
	return nil
}

func (fakeProgram) VerifyingKeyHash() (model.Hash, error) {
	return commitment.HashMessage("vk"), nil
}

type memChat struct {
	mu      sync.Mutex
	session model.ChatSession
	seen    []model.SettlementStatus
}

func (c *memChat) Snapshot() model.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.Messages = append([]model.Message(nil), c.session.Messages...)
	return s
}

func (c *memChat) ApplySettlement(_ context.Context, from model.SettlementStatus, st model.SettlementState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Settlement.Status != from {
		return fmt.Errorf("%w: stored %s, expected %s", model.ErrSettlementConflict, c.session.Settlement.Status, from)
	}
	c.session.Settlement = st
	if st.Status != model.SettlementNone {
		c.session.State = model.LifecycleTerminated
	}
	c.seen = append(c.seen, st.Status)
	return nil
}

func (c *memChat) status() model.SettlementStatus {
	return c.Snapshot().Settlement.Status
}

type fakeWallet struct {
	mu    sync.Mutex
	sent  []ledger.SendTransactionArgs
	err   error
	count int
}

func (w *fakeWallet) SendTransaction(_ context.Context, args ledger.SendTransactionArgs) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.count++
	w.sent = append(w.sent, args)
	return fmt.Sprintf("tx-%d", w.count), nil
}

type fakeActivation struct {
	statuses map[string]ledger.TxStatus
	errs     map[string]error
}

func (f *fakeActivation) WaitForActivation(_ context.Context, hash string) (ledger.TxStatus, error) {
	if err := f.errs[hash]; err != nil {
		return "", err
	}
	if s, ok := f.statuses[hash]; ok {
		return s, nil
	}
	return ledger.TxApplied, nil
}

func newChat(t *testing.T, msgs ...string) *memChat {
	t.Helper()
	mine, err := model.NewKeyPair()
	require.NoError(t, err)
	peer, err := model.NewKeyPair()
	require.NoError(t, err)

	session := model.NewChatSession("chat-1", *mine, peer.PublicKey)
	builder := proofchain.NewBuilder(fakeProgram{})
	history, err := commitment.New(commitment.Depth)
	require.NoError(t, err)

	var prev *model.Proof
	for i, m := range msgs {
		h := commitment.HashMessage(m)
		p, err := builder.Prove(context.Background(), mine, h, history, uint32(i), prev)
		require.NoError(t, err)
		require.NoError(t, history.SetLeaf(uint32(i), h))
		session.Messages = append(session.Messages, model.Message{Index: uint32(i), Plaintext: m, Proof: p, SenderIsMe: true})
		prev = p
	}
	return &memChat{session: *session}
}

func newOrchestrator(wallet *fakeWallet, act *fakeActivation, confirm bool) *Orchestrator {
	open := func() *worker.Boundary {
		return worker.Open(worker.NewState(func(context.Context) (worker.Program, error) {
			return fakeProgram{}, nil
		}))
	}
	confirmer := ConfirmFunc(func(context.Context, string) (bool, error) { return confirm, nil })
	return New(Config{FeePayer: "payer", Fee: 1e9, Memo: "settle"}, wallet, act, confirmer, open)
}

func TestSettle_FreshChatRunsFullStateMachine(t *testing.T) {
	chat := newChat(t, "hi", "hello", "bye")
	wallet := &fakeWallet{}
	o := newOrchestrator(wallet, &fakeActivation{}, true)

	st, err := o.Settle(context.Background(), chat)
	require.NoError(t, err)

	assert.Equal(t, model.SettlementSettled, st.Status)
	assert.Equal(t, "tx-1", st.DeployTxHash)
	assert.Equal(t, "tx-2", st.SettleTxHash)
	assert.NotEmpty(t, st.ContractPublicKey)
	snap := chat.Snapshot()
	assert.Equal(t, snap.LatestProof(), st.SettleProof)
	assert.Equal(t, model.LifecycleTerminated, snap.State)

	var order []model.SettlementStatus
	for _, s := range chat.seen {
		if len(order) == 0 || order[len(order)-1] != s {
			order = append(order, s)
		}
	}
	assert.Equal(t, []model.SettlementStatus{
		model.SettlementDeploying,
		model.SettlementDeployed,
		model.SettlementSettling,
		model.SettlementSettled,
	}, order)

	_, err = o.Settle(context.Background(), chat)
	assert.ErrorIs(t, err, model.ErrSettlementConflict)
	assert.Equal(t, 2, wallet.count)
}

func TestSettle_SkipsDeployWhenContractExists(t *testing.T) {
	chat := newChat(t, "hi")
	chat.session.Settlement = model.SettlementState{
		Status:            model.SettlementDeployed,
		ContractPublicKey: "existing",
		DeployTxHash:      "old",
	}
	wallet := &fakeWallet{}
	o := newOrchestrator(wallet, &fakeActivation{}, true)

	st, err := o.Settle(context.Background(), chat)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementSettled, st.Status)
	assert.Equal(t, "existing", st.ContractPublicKey)
	assert.Equal(t, 1, wallet.count)
}

func TestSettle_ConfirmRejected(t *testing.T) {
	chat := newChat(t, "hi")
	wallet := &fakeWallet{}
	o := newOrchestrator(wallet, &fakeActivation{}, false)

	_, err := o.Settle(context.Background(), chat)
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Equal(t, model.SettlementNone, chat.status())
	assert.Zero(t, wallet.count)
}

func TestSettle_NothingToSettle(t *testing.T) {
	o := newOrchestrator(&fakeWallet{}, &fakeActivation{}, true)
	_, err := o.Settle(context.Background(), newChat(t))
	assert.ErrorIs(t, err, ErrNothingToSettle)
}

func TestSettle_ActivationTimeoutFails(t *testing.T) {
	chat := newChat(t, "hi")
	act := &fakeActivation{errs: map[string]error{"tx-1": model.ErrActivationTimeout}}
	o := newOrchestrator(&fakeWallet{}, act, true)

	st, err := o.Settle(context.Background(), chat)
	assert.ErrorIs(t, err, model.ErrActivationTimeout)
	assert.Equal(t, model.SettlementFailed, st.Status)
	assert.Equal(t, model.SettlementFailed, chat.status())
	assert.NotEmpty(t, chat.Snapshot().Settlement.Reason)

	_, err = o.Settle(context.Background(), chat)
	assert.ErrorIs(t, err, model.ErrSettlementConflict)
}

func TestSettle_SettleTxFailed(t *testing.T) {
	chat := newChat(t, "hi")
	act := &fakeActivation{statuses: map[string]ledger.TxStatus{"tx-2": ledger.TxFailed}}
	o := newOrchestrator(&fakeWallet{}, act, true)

	st, err := o.Settle(context.Background(), chat)
	assert.Error(t, err)
	assert.Equal(t, model.SettlementFailed, st.Status)
	assert.Equal(t, "tx-2", st.SettleTxHash)
}

func TestSettle_WalletErrorFails(t *testing.T) {
	chat := newChat(t, "hi")
	wallet := &fakeWallet{err: model.ErrNetwork}
	o := newOrchestrator(wallet, &fakeActivation{}, true)

	_, err := o.Settle(context.Background(), chat)
	assert.ErrorIs(t, err, model.ErrNetwork)
	assert.Equal(t, model.SettlementFailed, chat.status())
}

func TestSettle_TamperedHistoryFails(t *testing.T) {
	chat := newChat(t, "hi", "hello")
	chat.session.Messages[0].Plaintext = "HI"
	o := newOrchestrator(&fakeWallet{}, &fakeActivation{}, true)

	_, err := o.Settle(context.Background(), chat)
	assert.ErrorIs(t, err, model.ErrChaining)
	assert.Equal(t, model.SettlementFailed, chat.status())
}

func TestDeploy_OnlyFromNone(t *testing.T) {
	chat := newChat(t, "hi")
	o := newOrchestrator(&fakeWallet{}, &fakeActivation{}, true)

	st, err := o.Deploy(context.Background(), chat)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementDeployed, st.Status)

	_, err = o.Deploy(context.Background(), chat)
	assert.ErrorIs(t, err, model.ErrSettlementConflict)
}

type nopStore struct{}

func (nopStore) Save(context.Context, *model.ChatSession) error { return nil }
func (nopStore) Delete(context.Context, string) error           { return nil }

func TestSettle_ConcurrentAttemptsSubmitOnce(t *testing.T) {
	data := newChat(t, "hi", "hello").session
	session := chat.NewSession(&data, nopStore{}, nil)
	wallet := &fakeWallet{}

	// both attempts pass the entry check before either one moves on
	var arrived sync.WaitGroup
	arrived.Add(2)
	confirmer := ConfirmFunc(func(context.Context, string) (bool, error) {
		arrived.Done()
		arrived.Wait()
		return true, nil
	})
	open := func() *worker.Boundary {
		return worker.Open(worker.NewState(func(context.Context) (worker.Program, error) {
			return fakeProgram{}, nil
		}))
	}
	o := New(Config{FeePayer: "payer", Fee: 1e9}, wallet, &fakeActivation{}, confirmer, open)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Settle(context.Background(), session)
		}(i)
	}
	wg.Wait()

	var conflicts, ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrSettlementConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 2, wallet.count, "one deploy and one settle")
	assert.Equal(t, model.SettlementSettled, session.Snapshot().Settlement.Status)
}
