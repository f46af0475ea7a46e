// Package zkprogram is the PLONK backed proof system for message chains.
//
// A proof at index n shows that MessageHash sits at leaf Index of the tree
// with root Root, and that Digest = MiMC(PrevDigest, Root, Index,
// MessageHash, SigDigest). The digest of proof n-1 is the PrevDigest of proof
// n, which is what links the chain.
package zkprogram

import (
	"zk_chat/internal/protocol/commitment"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

type ChainCircuit struct {
	Root        frontend.Variable `gnark:",public"`
	Index       frontend.Variable `gnark:",public"`
	MessageHash frontend.Variable `gnark:",public"`
	SigDigest   frontend.Variable `gnark:",public"`
	PrevDigest  frontend.Variable `gnark:",public"`
	Digest      frontend.Variable `gnark:",public"`

	Path [commitment.Depth]frontend.Variable `gnark:",secret"`
}

func (c *ChainCircuit) Define(api frontend.API) error {
	// inclusion of the message hash at Index
	bits := api.ToBinary(c.Index, commitment.Depth)
	cur := c.MessageHash
	for i := 0; i < commitment.Depth; i++ {
		h, err := mimc.NewMiMC(api)
		if err != nil {
			return err
		}
		left := api.Select(bits[i], c.Path[i], cur)
		right := api.Select(bits[i], cur, c.Path[i])
		h.Write(left, right)
		cur = h.Sum()
	}
	api.AssertIsEqual(cur, c.Root)

	// index 0 has no predecessor
	api.AssertIsEqual(api.Mul(api.IsZero(c.Index), c.PrevDigest), 0)

	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.PrevDigest, c.Root, c.Index, c.MessageHash, c.SigDigest)
	api.AssertIsEqual(h.Sum(), c.Digest)

	return nil
}
