// Package proofchain extends the per-chat chain of message proofs. Every proof
// at index n is built on top of a verified proof at index n-1, so the chain
// fixes the total order of the chat.
package proofchain

import (
	"context"
	"fmt"

	"zk_chat/internal/cryptographic/signature"
	"zk_chat/internal/model"
	"zk_chat/internal/protocol/commitment"
)

type (
	// Statement is the public part of a proof.
	Statement struct {
		Root        model.Hash
		Index       uint32
		MessageHash model.Hash
		Signature   []byte
		Signer      string
	}

	// Witness is what the prover needs besides the statement.
	Witness struct {
		Path     []model.Hash
		Previous *model.Proof
	}

	// Prover is the opaque proof system.
	Prover interface {
		Prove(ctx context.Context, st Statement, w Witness) (*model.Proof, error)
		Verify(p *model.Proof) error
	}

	Builder struct {
		prover Prover
	}
)

func NewBuilder(prover Prover) *Builder {
	return &Builder{prover: prover}
}

func Sign(signer *model.KeyPair, messageHash model.Hash) ([]byte, error) {
	key, err := signer.SigningKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCrypto, err)
	}
	return signature.ED25519Sign(key, messageHash[:]), nil
}

// ProveFirst proves the base case. history must be the tree of the chat
// before the message is inserted, which for index 0 is the empty tree.
func (b *Builder) ProveFirst(ctx context.Context, signer *model.KeyPair, messageHash model.Hash, history *commitment.Tree, index uint32) (*model.Proof, error) {
	if index != 0 {
		return nil, fmt.Errorf("%w: index %d needs a previous proof", model.ErrChaining, index)
	}
	if !history.Empty() {
		return nil, fmt.Errorf("%w: history already has messages, root %s", model.ErrChaining, history.Root())
	}
	return b.prove(ctx, signer, messageHash, history, 0, nil)
}

// ProveNext extends prev with the message at index. All chaining checks run
// before the prover is invoked.
func (b *Builder) ProveNext(ctx context.Context, signer *model.KeyPair, messageHash model.Hash, history *commitment.Tree, index uint32, prev *model.Proof) (*model.Proof, error) {
	if err := checkPrevious(history, index, prev); err != nil {
		return nil, err
	}
	if err := b.prover.Verify(prev); err != nil {
		return nil, fmt.Errorf("%w: previous proof does not verify: %v", model.ErrChaining, err)
	}
	return b.prove(ctx, signer, messageHash, history, index, prev)
}

// Prove picks the base or the recursive case from prev.
func (b *Builder) Prove(ctx context.Context, signer *model.KeyPair, messageHash model.Hash, history *commitment.Tree, index uint32, prev *model.Proof) (*model.Proof, error) {
	if prev == nil {
		return b.ProveFirst(ctx, signer, messageHash, history, index)
	}
	return b.ProveNext(ctx, signer, messageHash, history, index, prev)
}

func checkPrevious(history *commitment.Tree, index uint32, prev *model.Proof) error {
	switch {
	case prev == nil:
		return fmt.Errorf("%w: index %d needs a previous proof", model.ErrChaining, index)
	case index == 0:
		return fmt.Errorf("%w: index 0 cannot extend a previous proof", model.ErrChaining)
	case prev.Index != index-1:
		return fmt.Errorf("%w: previous proof is for index %d, want %d", model.ErrChaining, prev.Index, index-1)
	case prev.Root != history.Root():
		return fmt.Errorf("%w: previous proof root %s does not match history root %s", model.ErrChaining, prev.Root, history.Root())
	}
	return nil
}

func (b *Builder) prove(ctx context.Context, signer *model.KeyPair, messageHash model.Hash, history *commitment.Tree, index uint32, prev *model.Proof) (*model.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tree := history.Clone()
	if err := tree.SetLeaf(index, messageHash); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrChaining, err)
	}
	path, err := tree.Path(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrChaining, err)
	}

	sig, err := Sign(signer, messageHash)
	if err != nil {
		return nil, err
	}

	st := Statement{
		Root:        tree.Root(),
		Index:       index,
		MessageHash: messageHash,
		Signature:   sig,
		Signer:      signer.PublicKey,
	}
	proof, err := b.prover.Prove(ctx, st, Witness{Path: path, Previous: prev})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrProofGeneration, err)
	}
	if proof == nil {
		return nil, fmt.Errorf("%w: prover returned no proof", model.ErrProofGeneration)
	}
	return proof, nil
}

// CheckLink validates a proof received from the peer against our local view:
// it must extend prev, commit to plaintext at its index on top of history, be
// signed by signer and verify.
func (b *Builder) CheckLink(proof, prev *model.Proof, history *commitment.Tree, plaintext, signer string) error {
	if proof == nil {
		return fmt.Errorf("%w: missing proof", model.ErrChaining)
	}
	if !proof.Follows(prev) {
		return fmt.Errorf("%w: proof %d does not extend the latest proof", model.ErrChaining, proof.Index)
	}
	if prev != nil && prev.Root != history.Root() {
		return fmt.Errorf("%w: latest proof root does not match history", model.ErrChaining)
	}

	hash := commitment.HashMessage(plaintext)
	if proof.MessageHash != hash {
		return fmt.Errorf("%w: message hash mismatch at index %d", model.ErrChaining, proof.Index)
	}

	tree := history.Clone()
	if err := tree.SetLeaf(proof.Index, hash); err != nil {
		return fmt.Errorf("%w: %v", model.ErrChaining, err)
	}
	if tree.Root() != proof.Root {
		return fmt.Errorf("%w: root mismatch at index %d", model.ErrChaining, proof.Index)
	}

	if proof.Signer != signer {
		return fmt.Errorf("%w: proof signed by unexpected key", model.ErrCrypto)
	}
	pub, err := model.ParsePublicKey(signer)
	if err != nil {
		return err
	}
	if !signature.ED25519Verify(pub.Verify, hash[:], proof.Signature) {
		return fmt.Errorf("%w: bad message signature at index %d", model.ErrCrypto, proof.Index)
	}

	if err := b.prover.Verify(proof); err != nil {
		return fmt.Errorf("%w: %v", model.ErrChaining, err)
	}
	return nil
}
