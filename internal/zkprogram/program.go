package zkprogram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"zk_chat/internal/model"
	"zk_chat/internal/protocol/commitment"
	"zk_chat/internal/protocol/proofchain"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/scs"
	"github.com/consensys/gnark/test/unsafekzg"
	"github.com/zeebo/blake3"
)

var (
	ErrPathLength = errors.New("zkprogram: merkle path has wrong length")
	ErrNilProof   = errors.New("zkprogram: nil proof")
)

// Program holds the compiled constraint system and its keys. It is built once
// per worker context and never shared through package state.
type Program struct {
	cs constraint.ConstraintSystem
	pk plonk.ProvingKey
	vk plonk.VerifyingKey
}

var _ proofchain.Prover = (*Program)(nil)

// Compile compiles ChainCircuit and runs a development PLONK setup. This is
// the expensive step and takes seconds.
func Compile() (*Program, error) {
	var circuit ChainCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), scs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("compile circuit: %w", err)
	}

	// unsafekzg is a local SRS; a ceremony SRS replaces it for a public ledger.
	srs, srsLagrange, err := unsafekzg.NewSRS(cs)
	if err != nil {
		return nil, fmt.Errorf("generate SRS: %w", err)
	}

	pk, vk, err := plonk.Setup(cs, srs, srsLagrange)
	if err != nil {
		return nil, fmt.Errorf("setup keys: %w", err)
	}

	return &Program{cs: cs, pk: pk, vk: vk}, nil
}

// VerifyingKeyHash identifies the verifying key inside deploy transactions.
func (p *Program) VerifyingKeyHash() (model.Hash, error) {
	var buf bytes.Buffer
	if _, err := p.vk.WriteTo(&buf); err != nil {
		return model.Hash{}, fmt.Errorf("serialize verifying key: %w", err)
	}
	return model.Hash(blake3.Sum256(buf.Bytes())), nil
}

func (p *Program) Prove(ctx context.Context, st proofchain.Statement, w proofchain.Witness) (*model.Proof, error) {
	if len(w.Path) != commitment.Depth {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrPathLength, len(w.Path), commitment.Depth)
	}

	var prevDigest model.Hash
	if w.Previous != nil {
		prevDigest = w.Previous.Digest
	}
	sigDigest := SignatureDigest(st.Signature)
	digest := ChainDigest(prevDigest, st.Root, st.Index, st.MessageHash, sigDigest)

	assignment := ChainCircuit{
		Root:        toBig(st.Root),
		Index:       st.Index,
		MessageHash: toBig(st.MessageHash),
		SigDigest:   toBig(sigDigest),
		PrevDigest:  toBig(prevDigest),
		Digest:      toBig(digest),
	}
	for i, sib := range w.Path {
		assignment.Path[i] = toBig(sib)
	}

	full, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("build witness: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proof, err := plonk.Prove(p.cs, p.pk, full)
	if err != nil {
		return nil, fmt.Errorf("generate proof: %w", err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize proof: %w", err)
	}

	return &model.Proof{
		Index:       st.Index,
		Root:        st.Root,
		MessageHash: st.MessageHash,
		Signature:   st.Signature,
		Signer:      st.Signer,
		PrevDigest:  prevDigest,
		Digest:      digest,
		Data:        buf.Bytes(),
	}, nil
}

func (p *Program) Verify(proof *model.Proof) error {
	if proof == nil {
		return ErrNilProof
	}

	pr := plonk.NewProof(ecc.BN254)
	if _, err := pr.ReadFrom(bytes.NewReader(proof.Data)); err != nil {
		return fmt.Errorf("deserialize proof: %w", err)
	}

	public, err := publicWitness(proof)
	if err != nil {
		return fmt.Errorf("build public witness: %w", err)
	}

	if err := plonk.Verify(pr, p.vk, public); err != nil {
		return fmt.Errorf("proof verification failed: %w", err)
	}
	return nil
}

func publicWitness(proof *model.Proof) (witness.Witness, error) {
	assignment := ChainCircuit{
		Root:        toBig(proof.Root),
		Index:       proof.Index,
		MessageHash: toBig(proof.MessageHash),
		SigDigest:   toBig(SignatureDigest(proof.Signature)),
		PrevDigest:  toBig(proof.PrevDigest),
		Digest:      toBig(proof.Digest),
	}
	return frontend.NewWitness(&assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
}

// SignatureDigest binds the Ed25519 signature into the circuit as one field element.
func SignatureDigest(sig []byte) model.Hash {
	sum := blake3.Sum256(sig)
	return commitment.ToField(sum[:])
}

// ChainDigest is the native counterpart of the digest computed in ChainCircuit.
func ChainDigest(prev, root model.Hash, index uint32, messageHash, sigDigest model.Hash) model.Hash {
	var idx fr.Element
	idx.SetUint64(uint64(index))
	ib := idx.Bytes()

	h := mimc.NewMiMC()
	h.Write(prev[:])
	h.Write(root[:])
	h.Write(ib[:])
	h.Write(messageHash[:])
	h.Write(sigDigest[:])

	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return model.Hash(out.Bytes())
}

func toBig(h model.Hash) *big.Int {
	return new(big.Int).SetBytes(h[:])
}
