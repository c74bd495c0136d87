// Package merkle computes the binary keccak Merkle roots the commitment
// contract stores over block hashes.
package merkle

import (
	"math/bits"

	errorsmod "cosmossdk.io/errors"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

// Combine hashes two sibling nodes, equivalent to
// keccak256(abi.encodePacked(left, right)).
func Combine(left, right ethcommon.Hash) ethcommon.Hash {
	return crypto.Keccak256Hash(left[:], right[:])
}

// Aggregate returns the root of the tree whose leaves are given in order.
// An empty input yields the zero hash and a single leaf is its own root. Any
// other length must be a power of two.
func Aggregate(leaves []ethcommon.Hash) (ethcommon.Hash, error) {
	switch n := len(leaves); {
	case n == 0:
		return ethcommon.Hash{}, nil
	case n == 1:
		return leaves[0], nil
	case bits.OnesCount(uint(n)) != 1:
		return ethcommon.Hash{}, errorsmod.Wrapf(types.ErrLeafCount, "got %d leaves", n)
	}

	level := make([]ethcommon.Hash, len(leaves)/2)
	for i := range level {
		level[i] = Combine(leaves[2*i], leaves[2*i+1])
	}
	for len(level) > 1 {
		for i := 0; i < len(level)/2; i++ {
			level[i] = Combine(level[2*i], level[2*i+1])
		}
		level = level[:len(level)/2]
	}
	return level[0], nil
}

// ChunkRoots partitions leaves into consecutive chunks of 2^depth leaves and
// returns the root of each chunk in order.
func ChunkRoots(leaves []ethcommon.Hash, depth uint) ([]ethcommon.Hash, error) {
	size := 1 << depth
	if len(leaves)%size != 0 {
		return nil, errorsmod.Wrapf(types.ErrLeafCount, "%d leaves do not split into chunks of %d", len(leaves), size)
	}

	roots := make([]ethcommon.Hash, 0, len(leaves)/size)
	for i := 0; i < len(leaves); i += size {
		root, err := Aggregate(leaves[i : i+size])
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return roots, nil
}

// RootAtDepth aggregates leaves to depth d by first computing chunk roots at
// the shallower depth and then hashing those roots upwards. The result equals
// Aggregate(leaves) whenever len(leaves) == 2^d.
func RootAtDepth(leaves []ethcommon.Hash, shallow, d uint) (ethcommon.Hash, error) {
	if shallow > d {
		return ethcommon.Hash{}, errorsmod.Wrapf(types.ErrLeafCount, "shallow depth %d exceeds depth %d", shallow, d)
	}
	if len(leaves) != 1<<d {
		return ethcommon.Hash{}, errorsmod.Wrapf(types.ErrLeafCount, "got %d leaves for depth %d", len(leaves), d)
	}
	roots, err := ChunkRoots(leaves, shallow)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	return Aggregate(roots)
}
