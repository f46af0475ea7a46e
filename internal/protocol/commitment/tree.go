// Package commitment maintains the fixed-depth MiMC hash tree committing to
// the ordered messages of a chat.
package commitment

import (
	"errors"
	"fmt"

	"zk_chat/internal/model"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/zeebo/blake3"
)

const (
	// Depth of the chat tree: 2^9 = 512 messages per chat.
	Depth    = 9
	MaxDepth = 20
)

var (
	ErrInvalidDepth = errors.New("commitment: depth out of range")
	ErrOutOfRange   = errors.New("commitment: leaf index out of range")
)

type Tree struct {
	depth int
	// levels[0] holds the leaves, levels[depth] the root.
	levels [][]fr.Element
}

func New(depth int) (*Tree, error) {
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}

	t := &Tree{depth: depth, levels: make([][]fr.Element, depth+1)}
	var empty fr.Element
	for lvl := 0; lvl <= depth; lvl++ {
		width := 1 << (depth - lvl)
		nodes := make([]fr.Element, width)
		for i := range nodes {
			nodes[i] = empty
		}
		t.levels[lvl] = nodes
		empty = hashPair(&empty, &empty)
	}
	return t, nil
}

// Build returns a fresh tree holding leaves at positions 0..len(leaves)-1.
func Build(depth int, leaves []model.Hash) (*Tree, error) {
	t, err := New(depth)
	if err != nil {
		return nil, err
	}
	for i, leaf := range leaves {
		if err := t.SetLeaf(uint32(i), leaf); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func FromMessages(depth int, plaintexts []string) (*Tree, error) {
	leaves := make([]model.Hash, len(plaintexts))
	for i, p := range plaintexts {
		leaves[i] = HashMessage(p)
	}
	return Build(depth, leaves)
}

func (t *Tree) Depth() int {
	return t.depth
}

func (t *Tree) Capacity() uint32 {
	return 1 << t.depth
}

func (t *Tree) SetLeaf(index uint32, h model.Hash) error {
	if index >= t.Capacity() {
		return fmt.Errorf("%w: %d >= %d", ErrOutOfRange, index, t.Capacity())
	}

	var leaf fr.Element
	leaf.SetBytes(h[:])
	t.levels[0][index] = leaf

	pos := index
	for lvl := 0; lvl < t.depth; lvl++ {
		parent := pos / 2
		left := &t.levels[lvl][parent*2]
		right := &t.levels[lvl][parent*2+1]
		t.levels[lvl+1][parent] = hashPair(left, right)
		pos = parent
	}
	return nil
}

func (t *Tree) Leaf(index uint32) (model.Hash, error) {
	if index >= t.Capacity() {
		return model.Hash{}, fmt.Errorf("%w: %d >= %d", ErrOutOfRange, index, t.Capacity())
	}
	return toHash(&t.levels[0][index]), nil
}

func (t *Tree) Root() model.Hash {
	return toHash(&t.levels[t.depth][0])
}

// EmptyRoot is the root of a tree of the given depth with no leaves set.
func EmptyRoot(depth int) model.Hash {
	var node fr.Element
	for lvl := 0; lvl < depth; lvl++ {
		node = hashPair(&node, &node)
	}
	return toHash(&node)
}

// Empty reports whether no leaf of t has been set.
func (t *Tree) Empty() bool {
	return t.Root() == EmptyRoot(t.depth)
}

// Path returns the sibling hashes from the leaf level up to just below the root.
func (t *Tree) Path(index uint32) ([]model.Hash, error) {
	if index >= t.Capacity() {
		return nil, fmt.Errorf("%w: %d >= %d", ErrOutOfRange, index, t.Capacity())
	}

	path := make([]model.Hash, t.depth)
	pos := index
	for lvl := 0; lvl < t.depth; lvl++ {
		path[lvl] = toHash(&t.levels[lvl][pos^1])
		pos /= 2
	}
	return path, nil
}

func (t *Tree) Clone() *Tree {
	c := &Tree{depth: t.depth, levels: make([][]fr.Element, len(t.levels))}
	for i, lvl := range t.levels {
		c.levels[i] = append([]fr.Element(nil), lvl...)
	}
	return c
}

// VerifyPath recomputes the root from a leaf and its path.
func VerifyPath(root model.Hash, leaf model.Hash, index uint32, path []model.Hash) bool {
	if len(path) == 0 || len(path) > MaxDepth || uint64(index) >= 1<<len(path) {
		return false
	}

	var cur fr.Element
	cur.SetBytes(leaf[:])
	pos := index
	for _, sib := range path {
		var s fr.Element
		s.SetBytes(sib[:])
		if pos%2 == 0 {
			cur = hashPair(&cur, &s)
		} else {
			cur = hashPair(&s, &cur)
		}
		pos /= 2
	}
	return toHash(&cur) == root
}

// HashMessage maps a plaintext to its leaf value: blake3 reduced into the
// bn254 scalar field.
func HashMessage(plaintext string) model.Hash {
	sum := blake3.Sum256([]byte(plaintext))
	return ToField(sum[:])
}

// ToField reduces arbitrary bytes into a canonical field element encoding.
func ToField(b []byte) model.Hash {
	var e fr.Element
	e.SetBytes(b)
	return toHash(&e)
}

func hashPair(left, right *fr.Element) fr.Element {
	h := mimc.NewMiMC()
	lb := left.Bytes()
	rb := right.Bytes()
	h.Write(lb[:])
	h.Write(rb[:])

	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

func toHash(e *fr.Element) model.Hash {
	return model.Hash(e.Bytes())
}
