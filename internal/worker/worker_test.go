package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zk_chat/internal/ledger"
	"zk_chat/internal/model"
	"zk_chat/internal/protocol/commitment"
	"zk_chat/internal/protocol/proofchain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProgram struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeProgram) Prove(_ context.Context, st proofchain.Statement, w proofchain.Witness) (*model.Proof, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(f.delay)

	var prev model.Hash
	if w.Previous != nil {
		prev = w.Previous.Digest
	}
	buf := append([]byte(nil), prev[:]...)
	buf = binary.BigEndian.AppendUint32(buf, st.Index)
	return &model.Proof{
		Index:       st.Index,
		Root:        st.Root,
		MessageHash: st.MessageHash,
		Signature:   st.Signature,
		Signer:      st.Signer,
		PrevDigest:  prev,
		Digest:      commitment.ToField(buf),
		Data:        []byte("ok"),
	}, nil
}

func (f *fakeProgram) Verify(p *model.Proof) error {
	if p == nil || string(p.Data) != "ok" {
		return errors.New("bad proof")
	}
	return nil
}

func (f *fakeProgram) VerifyingKeyHash() (model.Hash, error) {
	return commitment.HashMessage("vk"), nil
}

func openReady(t *testing.T, prog *fakeProgram) *Boundary {
	t.Helper()
	var compiles atomic.Int32
	b := Open(NewState(func(context.Context) (Program, error) {
		compiles.Add(1)
		return prog, nil
	}))
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	require.NoError(t, b.LoadProgram(ctx))
	require.NoError(t, b.CompileProgram(ctx))
	require.NoError(t, b.CompileProgram(ctx))
	require.NoError(t, b.LoadContract(ctx))
	_, err := b.CompileContract(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), compiles.Load(), "compile must be idempotent")
	return b
}

func TestBoundary_LoadOrder(t *testing.T) {
	b := Open(NewState(func(context.Context) (Program, error) { return &fakeProgram{}, nil }))
	defer b.Close()
	ctx := context.Background()

	assert.ErrorIs(t, b.CompileProgram(ctx), ErrProgramNotLoaded)
	assert.ErrorIs(t, b.LoadContract(ctx), ErrProgramNotLoaded)

	require.NoError(t, b.LoadProgram(ctx))
	require.NoError(t, b.LoadContract(ctx))
	_, err := b.CompileContract(ctx)
	assert.ErrorIs(t, err, ErrProgramNotCompiled)

	_, err = b.DeployContract(ctx, DeployContract{FeePayer: "payer"})
	assert.ErrorIs(t, err, ErrContractNotReady)

	signer, err := model.NewKeyPair()
	require.NoError(t, err)
	_, err = b.Prove(ctx, signer, commitment.HashMessage("hi"), nil, nil)
	assert.ErrorIs(t, err, ErrProgramNotCompiled)
}

func TestBoundary_EncryptDecrypt(t *testing.T) {
	b := openReady(t, &fakeProgram{})
	ctx := context.Background()

	alice, err := model.NewKeyPair()
	require.NoError(t, err)
	bob, err := model.NewKeyPair()
	require.NoError(t, err)

	payload, err := b.EncryptMessage(ctx, alice, bob.PublicKey, "hi")
	require.NoError(t, err)

	got, err := b.DecryptMessage(ctx, bob, alice.PublicKey, payload)
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	payload.Ciphertext[0] ^= 0x01
	_, err = b.DecryptMessage(ctx, bob, alice.PublicKey, payload)
	assert.ErrorIs(t, err, model.ErrCrypto)
}

func TestBoundary_ProveChain(t *testing.T) {
	b := openReady(t, &fakeProgram{})
	ctx := context.Background()

	signer, err := model.NewKeyPair()
	require.NoError(t, err)

	var history []model.Hash
	var proofs []*model.Proof
	for _, m := range []string{"one", "two", "three"} {
		var prev *model.Proof
		if len(proofs) > 0 {
			prev = proofs[len(proofs)-1]
		}
		h := commitment.HashMessage(m)
		p, err := b.Prove(ctx, signer, h, history, prev)
		require.NoError(t, err)
		assert.True(t, p.Follows(prev))
		history = append(history, h)
		proofs = append(proofs, p)
	}

	_, err = b.Prove(ctx, signer, commitment.HashMessage("four"), history, proofs[0])
	assert.ErrorIs(t, err, model.ErrChaining)

	err = b.VerifyMessage(ctx, VerifyMessage{
		Proof:     proofs[2],
		Previous:  proofs[1],
		History:   history[:2],
		Plaintext: "three",
		Signer:    signer.PublicKey,
	})
	assert.NoError(t, err)
}

func TestBoundary_HeavyOpsSerialized(t *testing.T) {
	prog := &fakeProgram{delay: 20 * time.Millisecond}
	b := openReady(t, prog)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			signer, err := model.NewKeyPair()
			if !assert.NoError(t, err) {
				return
			}
			_, err = b.Prove(ctx, signer, commitment.HashMessage("m"), nil, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), prog.maxSeen.Load())
}

func TestBoundary_DeployAndSettle(t *testing.T) {
	b := openReady(t, &fakeProgram{})
	ctx := context.Background()

	dep, err := b.DeployContract(ctx, DeployContract{FeePayer: "payer", Fee: 1e9})
	require.NoError(t, err)

	var tx ledger.Transaction
	require.NoError(t, json.Unmarshal(dep.Transaction, &tx))
	require.NoError(t, tx.VerifyDeploy())
	body, err := tx.DecodeDeploy()
	require.NoError(t, err)
	assert.Equal(t, dep.ContractPublicKey, body.ContractPublicKey)
	assert.Equal(t, commitment.HashMessage("vk"), body.VerifyingKeyHash)

	signer, err := model.NewKeyPair()
	require.NoError(t, err)
	p0, err := b.Prove(ctx, signer, commitment.HashMessage("hi"), nil, nil)
	require.NoError(t, err)

	req := SettleContract{
		HostUser:          signer.PublicKey,
		GuestUser:         "guest",
		ChatID:            "chat",
		ContractPublicKey: dep.ContractPublicKey,
		Proof:             p0,
		Messages:          []string{"hi"},
	}
	res, err := b.SettleContract(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, p0.Root, res.Root)

	require.NoError(t, json.Unmarshal(res.Transaction, &tx))
	settle, err := tx.DecodeSettle()
	require.NoError(t, err)
	assert.Equal(t, "chat", settle.ChatID)
	assert.Equal(t, p0.Root, settle.Root)

	req.Messages = []string{"bye"}
	_, err = b.SettleContract(ctx, req)
	assert.ErrorIs(t, err, model.ErrChaining)

	req.Messages = []string{"hi", "extra"}
	_, err = b.SettleContract(ctx, req)
	assert.ErrorIs(t, err, model.ErrChaining)
}

func TestBoundary_FetchAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/B62known" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(ledger.Account{PublicKey: "B62known", Balance: "10", Nonce: 3})
	}))
	defer srv.Close()

	b := openReady(t, &fakeProgram{})
	ctx := context.Background()

	_, err := b.FetchAccount(ctx, "B62known")
	assert.ErrorIs(t, err, ErrNoNetwork)

	require.NoError(t, b.SetNetwork(ctx, Network{Name: "devnet", AccountURL: srv.URL}))
	acc, err := b.FetchAccount(ctx, "B62known")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), acc.Nonce)

	_, err = b.FetchAccount(ctx, "B62missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// scriptedTransport lets a test answer requests by hand.
type scriptedTransport struct {
	sent    chan Envelope
	replies chan Reply
}

func newScripted() *scriptedTransport {
	return &scriptedTransport{sent: make(chan Envelope, 8), replies: make(chan Reply, 8)}
}

func (s *scriptedTransport) Send(_ context.Context, env Envelope) error {
	s.sent <- env
	return nil
}

func (s *scriptedTransport) Replies() <-chan Reply { return s.replies }

func TestClient_UnknownReplyFailsPending(t *testing.T) {
	tr := newScripted()
	c := NewClient(tr)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.call(context.Background(), LoadProgram{})
			errs <- err
		}()
	}
	<-tr.sent
	<-tr.sent

	tr.replies <- Reply{ID: 999, Op: OpLoadProgram}

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, model.ErrBoundaryProtocol)
	}
	assert.ErrorIs(t, c.LoadProgram(context.Background()), model.ErrBoundaryProtocol)
}

func TestClient_DuplicateReply(t *testing.T) {
	tr := newScripted()
	c := NewClient(tr)

	done := make(chan error, 1)
	go func() { done <- c.LoadProgram(context.Background()) }()
	env := <-tr.sent
	tr.replies <- Reply{ID: env.ID, Op: OpLoadProgram}
	require.NoError(t, <-done)

	tr.replies <- Reply{ID: env.ID, Op: OpLoadProgram}
	assert.Eventually(t, func() bool {
		return errors.Is(c.Err(), model.ErrBoundaryProtocol)
	}, time.Second, 5*time.Millisecond)
}

func TestClient_MismatchedOp(t *testing.T) {
	tr := newScripted()
	c := NewClient(tr)

	done := make(chan error, 1)
	go func() { done <- c.LoadProgram(context.Background()) }()
	env := <-tr.sent
	tr.replies <- Reply{ID: env.ID, Op: OpCompileProgram}
	assert.ErrorIs(t, <-done, model.ErrBoundaryProtocol)
}

func TestClient_CancelledRequestDropsLateReply(t *testing.T) {
	tr := newScripted()
	c := NewClient(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.LoadProgram(ctx) }()
	env := <-tr.sent
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	tr.replies <- Reply{ID: env.ID, Op: OpLoadProgram}

	go func() { done <- c.LoadProgram(context.Background()) }()
	next := <-tr.sent
	tr.replies <- Reply{ID: next.ID, Op: OpLoadProgram}
	assert.NoError(t, <-done)
	assert.NoError(t, c.Err())
}

func TestClient_ClosedWorker(t *testing.T) {
	b := Open(NewState(nil))
	require.NoError(t, b.Close())

	err := b.LoadProgram(context.Background())
	assert.Error(t, err)
}
