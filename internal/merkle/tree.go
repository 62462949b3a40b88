// Package merkle implements the fixed-depth append-only commitment tree.
//
// Nodes are MiMC hashes over the BN254 scalar field so the root matches what
// the withdraw circuit computes. Inserts are O(depth): one node array per
// level, empty siblings substituted from a precomputed zero table.
package merkle

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// ErrPoolFull is returned when the tree has reached 2^depth leaves.
var ErrPoolFull = errors.New("commitment tree is full")

// ErrLeafOutOfRange is returned when proving membership of a leaf that has
// not been inserted.
var ErrLeafOutOfRange = errors.New("leaf index out of range")

const (
	MinDepth = 2
	MaxDepth = 32
)

// MerkleProof is a membership proof for a single leaf against Root.
// Siblings[l] is the sibling at level l; PathBits[l] is true when the path
// node at level l is a right child.
type MerkleProof struct {
	Root     [32]byte
	Siblings [][32]byte
	PathBits []bool
}

// Tree is the append-only commitment accumulator. It is not synchronized;
// the owner must serialize writers. Reads against a completed insert are
// safe to run concurrently.
type Tree struct {
	depth  int
	levels [][]fr.Element // levels[0] = leaves, levels[depth] = root
	zeros  []fr.Element   // zeros[l] = hash of an empty subtree of height l
}

// NewTree creates an empty tree of the given depth (capacity 2^depth).
func NewTree(depth int) (*Tree, error) {
	if depth < MinDepth || depth > MaxDepth {
		return nil, fmt.Errorf("tree depth must be in [%d, %d], got %d", MinDepth, MaxDepth, depth)
	}

	t := &Tree{
		depth:  depth,
		levels: make([][]fr.Element, depth+1),
		zeros:  make([]fr.Element, depth+1),
	}

	// zeros[0] is the all-zero word; each level above hashes two copies of
	// the level below.
	for l := 0; l < depth; l++ {
		t.zeros[l+1] = combine(t.zeros[l], t.zeros[l])
	}

	return t, nil
}

// Depth returns the fixed tree depth.
func (t *Tree) Depth() int {
	return t.depth
}

// Capacity returns the maximum number of leaves.
func (t *Tree) Capacity() uint64 {
	return uint64(1) << uint(t.depth)
}

// LeafCount returns the number of inserted leaves.
func (t *Tree) LeafCount() uint64 {
	return uint64(len(t.levels[0]))
}

// Root returns the current root. For an empty tree this is the zero-subtree
// hash of the full depth.
func (t *Tree) Root() [32]byte {
	if len(t.levels[t.depth]) == 0 {
		return t.zeros[t.depth].Bytes()
	}
	return t.levels[t.depth][0].Bytes()
}

// Insert appends a commitment and recomputes the path to the root.
// Returns the leaf index of the inserted commitment.
func (t *Tree) Insert(commitment [32]byte) (uint64, error) {
	index := uint64(len(t.levels[0]))
	if index >= t.Capacity() {
		return 0, ErrPoolFull
	}

	// Arbitrary 32-byte input is reduced into the scalar field so the
	// combine function always sees canonical elements.
	var cur fr.Element
	cur.SetBytes(commitment[:])
	t.levels[0] = append(t.levels[0], cur)

	idx := index
	for l := 0; l < t.depth; l++ {
		var left, right fr.Element
		if idx&1 == 0 {
			left = cur
			right = t.nodeAt(l, idx^1)
		} else {
			left = t.nodeAt(l, idx^1)
			right = cur
		}

		cur = combine(left, right)
		idx >>= 1

		if idx < uint64(len(t.levels[l+1])) {
			t.levels[l+1][idx] = cur
		} else {
			t.levels[l+1] = append(t.levels[l+1], cur)
		}
	}

	return index, nil
}

// ProveMembership builds a membership proof for the leaf at the given index
// against the current root.
func (t *Tree) ProveMembership(leafIndex uint64) (*MerkleProof, error) {
	if leafIndex >= t.LeafCount() {
		return nil, ErrLeafOutOfRange
	}

	proof := &MerkleProof{
		Root:     t.Root(),
		Siblings: make([][32]byte, t.depth),
		PathBits: make([]bool, t.depth),
	}

	idx := leafIndex
	for l := 0; l < t.depth; l++ {
		sibling := t.nodeAt(l, idx^1)
		proof.Siblings[l] = sibling.Bytes()
		proof.PathBits[l] = idx&1 == 1
		idx >>= 1
	}

	return proof, nil
}

// VerifyProof recomputes the path from leaf to root and compares against
// proof.Root.
func VerifyProof(proof *MerkleProof, leaf [32]byte) bool {
	if proof == nil || len(proof.Siblings) != len(proof.PathBits) {
		return false
	}

	var cur fr.Element
	cur.SetBytes(leaf[:])

	for l := range proof.Siblings {
		var sibling fr.Element
		sibling.SetBytes(proof.Siblings[l][:])
		if proof.PathBits[l] {
			cur = combine(sibling, cur)
		} else {
			cur = combine(cur, sibling)
		}
	}

	root := cur.Bytes()
	return root == proof.Root
}

// Restore rebuilds the tree from persisted leaves in insertion order.
// The tree must be empty.
func (t *Tree) Restore(leaves [][32]byte) error {
	if t.LeafCount() != 0 {
		return errors.New("restore requires an empty tree")
	}
	if uint64(len(leaves)) > t.Capacity() {
		return ErrPoolFull
	}

	for i := range leaves {
		if _, err := t.Insert(leaves[i]); err != nil {
			return fmt.Errorf("restore leaf %d: %w", i, err)
		}
	}
	return nil
}

// Normalize reduces an arbitrary 32-byte word into the scalar field and
// returns its canonical byte form. Roots and leaves compare equal exactly
// when their normalized forms do.
func Normalize(word [32]byte) [32]byte {
	var e fr.Element
	e.SetBytes(word[:])
	return e.Bytes()
}

// nodeAt returns the node at (level, index), substituting the zero-subtree
// hash when the node has not been written yet.
func (t *Tree) nodeAt(level int, index uint64) fr.Element {
	if index < uint64(len(t.levels[level])) {
		return t.levels[level][index]
	}
	return t.zeros[level]
}

// combine hashes (left, right) in positional order.
func combine(left, right fr.Element) fr.Element {
	h := mimc.NewMiMC()
	lb := left.Bytes()
	rb := right.Bytes()
	h.Write(lb[:])
	h.Write(rb[:])

	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}
