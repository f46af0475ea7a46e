package proofchain

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"zk_chat/internal/model"
	"zk_chat/internal/protocol/commitment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProver struct {
	proves   atomic.Int32
	failWith error
	nilProof bool
}

func (f *fakeProver) Prove(_ context.Context, st Statement, w Witness) (*model.Proof, error) {
	f.proves.Add(1)
	if f.failWith != nil {
		return nil, f.failWith
	}
	if f.nilProof {
		return nil, nil
	}
	var prev model.Hash
	if w.Previous != nil {
		prev = w.Previous.Digest
	}
	buf := append([]byte(nil), prev[:]...)
	buf = append(buf, st.Root[:]...)
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

func (f *fakeProver) Verify(p *model.Proof) error {
	if p == nil || string(p.Data) != "ok" {
		return errors.New("bad proof")
	}
	return nil
}

type chainFixture struct {
	prover  *fakeProver
	builder *Builder
	signer  *model.KeyPair
	history *commitment.Tree
	proofs  []*model.Proof
}

func newFixture(t *testing.T) *chainFixture {
	t.Helper()
	signer, err := model.NewKeyPair()
	require.NoError(t, err)
	history, err := commitment.New(commitment.Depth)
	require.NoError(t, err)
	p := &fakeProver{}
	return &chainFixture{prover: p, builder: NewBuilder(p), signer: signer, history: history}
}

func (f *chainFixture) append(t *testing.T, msg string) *model.Proof {
	t.Helper()
	index := uint32(len(f.proofs))
	var prev *model.Proof
	if index > 0 {
		prev = f.proofs[index-1]
	}
	h := commitment.HashMessage(msg)
	proof, err := f.builder.Prove(context.Background(), f.signer, h, f.history, index, prev)
	require.NoError(t, err)
	require.NoError(t, f.history.SetLeaf(index, h))
	f.proofs = append(f.proofs, proof)
	return proof
}

func TestProveFirst_SingleMessage(t *testing.T) {
	f := newFixture(t)
	p := f.append(t, "hi")

	expected, err := commitment.FromMessages(commitment.Depth, []string{"hi"})
	require.NoError(t, err)

	assert.Equal(t, uint32(0), p.Index)
	assert.Equal(t, expected.Root(), p.Root)
	assert.Equal(t, commitment.HashMessage("hi"), p.MessageHash)
	assert.True(t, p.Follows(nil))
}

func TestProveFirst_RejectsNonZeroIndex(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder.ProveFirst(context.Background(), f.signer, commitment.HashMessage("x"), f.history, 3)
	assert.ErrorIs(t, err, model.ErrChaining)
	assert.Zero(t, f.prover.proves.Load())
}

func TestProveFirst_RejectsNonEmptyHistory(t *testing.T) {
	f := newFixture(t)
	f.append(t, "one")

	_, err := f.builder.ProveFirst(context.Background(), f.signer, commitment.HashMessage("two"), f.history, 0)
	assert.ErrorIs(t, err, model.ErrChaining)
	assert.Equal(t, int32(1), f.prover.proves.Load())

	leaf, err := f.history.Leaf(0)
	require.NoError(t, err)
	assert.Equal(t, commitment.HashMessage("one"), leaf)
}

func TestProveNext_ChainsThreeMessages(t *testing.T) {
	f := newFixture(t)
	p0 := f.append(t, "one")
	p1 := f.append(t, "two")
	p2 := f.append(t, "three")

	assert.True(t, p1.Follows(p0))
	assert.True(t, p2.Follows(p1))
	assert.Equal(t, p1.Digest, p2.PrevDigest)

	calls := f.prover.proves.Load()
	_, err := f.builder.ProveNext(context.Background(), f.signer, commitment.HashMessage("four"), f.history, 2, p0)
	assert.ErrorIs(t, err, model.ErrChaining)
	assert.Equal(t, calls, f.prover.proves.Load(), "prover must not run after a failed pre-check")
}

func TestProveNext_RejectsIndexMismatch(t *testing.T) {
	f := newFixture(t)
	p0 := f.append(t, "one")
	f.append(t, "two")

	_, err := f.builder.ProveNext(context.Background(), f.signer, commitment.HashMessage("x"), f.history, 3, p0)
	assert.ErrorIs(t, err, model.ErrChaining)
}

func TestProveNext_RejectsRootMismatch(t *testing.T) {
	f := newFixture(t)
	p0 := f.append(t, "one")

	forged := *p0
	forged.Root = commitment.HashMessage("other history")
	_, err := f.builder.ProveNext(context.Background(), f.signer, commitment.HashMessage("two"), f.history, 1, &forged)
	assert.ErrorIs(t, err, model.ErrChaining)
}

func TestProveNext_RejectsMissingOrInvalidPrevious(t *testing.T) {
	f := newFixture(t)
	p0 := f.append(t, "one")

	_, err := f.builder.ProveNext(context.Background(), f.signer, commitment.HashMessage("two"), f.history, 1, nil)
	assert.ErrorIs(t, err, model.ErrChaining)

	bad := *p0
	bad.Data = []byte("garbage")
	_, err = f.builder.ProveNext(context.Background(), f.signer, commitment.HashMessage("two"), f.history, 1, &bad)
	assert.ErrorIs(t, err, model.ErrChaining)
}

func TestProve_PropagatesProverFailure(t *testing.T) {
	f := newFixture(t)
	f.prover.failWith = errors.New("constraint not satisfied")
	_, err := f.builder.ProveFirst(context.Background(), f.signer, commitment.HashMessage("x"), f.history, 0)
	assert.ErrorIs(t, err, model.ErrProofGeneration)

	f.prover.failWith = nil
	f.prover.nilProof = true
	_, err = f.builder.ProveFirst(context.Background(), f.signer, commitment.HashMessage("x"), f.history, 0)
	assert.ErrorIs(t, err, model.ErrProofGeneration)
}

func TestProve_HonorsCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.builder.ProveFirst(ctx, f.signer, commitment.HashMessage("x"), f.history, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.prover.proves.Load())
}

func TestCheckLink(t *testing.T) {
	f := newFixture(t)
	p0 := f.append(t, "one")

	before, err := commitment.New(commitment.Depth)
	require.NoError(t, err)
	require.NoError(t, f.builder.CheckLink(p0, nil, before, "one", f.signer.PublicKey))

	assert.ErrorIs(t, f.builder.CheckLink(p0, nil, before, "two", f.signer.PublicKey), model.ErrChaining)

	other, err := model.NewKeyPair()
	require.NoError(t, err)
	assert.ErrorIs(t, f.builder.CheckLink(p0, nil, before, "one", other.PublicKey), model.ErrCrypto)

	forged := *p0
	forged.Signature = append([]byte(nil), p0.Signature...)
	forged.Signature[0] ^= 0xff
	assert.ErrorIs(t, f.builder.CheckLink(&forged, nil, before, "one", f.signer.PublicKey), model.ErrCrypto)

	p1 := f.append(t, "two")
	history, err := commitment.FromMessages(commitment.Depth, []string{"one"})
	require.NoError(t, err)
	require.NoError(t, f.builder.CheckLink(p1, p0, history, "two", f.signer.PublicKey))
	assert.ErrorIs(t, f.builder.CheckLink(p1, nil, before, "two", f.signer.PublicKey), model.ErrChaining)
}
