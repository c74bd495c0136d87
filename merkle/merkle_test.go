package merkle

import (
	"encoding/binary"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

func makeLeaves(n int) []ethcommon.Hash {
	leaves := make([]ethcommon.Hash, n)
	for i := range leaves {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(i))
		leaves[i] = crypto.Keccak256Hash(buf[:])
	}
	return leaves
}

func TestAggregateEmpty(t *testing.T) {
	root, err := Aggregate(nil)
	require.NoError(t, err)
	require.Equal(t, ethcommon.Hash{}, root)
}

func TestAggregateSingleLeaf(t *testing.T) {
	for _, leaf := range makeLeaves(4) {
		root, err := Aggregate([]ethcommon.Hash{leaf})
		require.NoError(t, err)
		require.Equal(t, leaf, root)
	}
}

func TestAggregateKnownTree(t *testing.T) {
	l := makeLeaves(4)
	expected := Combine(Combine(l[0], l[1]), Combine(l[2], l[3]))

	root, err := Aggregate(l)
	require.NoError(t, err)
	require.Equal(t, expected, root)
	require.Equal(t, crypto.Keccak256Hash(append(l[0].Bytes(), l[1].Bytes()...)), Combine(l[0], l[1]))
}

func TestAggregateDoesNotMutateInput(t *testing.T) {
	leaves := makeLeaves(8)
	snapshot := append([]ethcommon.Hash(nil), leaves...)
	_, err := Aggregate(leaves)
	require.NoError(t, err)
	require.Equal(t, snapshot, leaves)
}

func TestAggregateHalves(t *testing.T) {
	for depth := 1; depth <= 10; depth++ {
		leaves := makeLeaves(1 << depth)
		half := len(leaves) / 2

		left, err := Aggregate(leaves[:half])
		require.NoError(t, err)
		right, err := Aggregate(leaves[half:])
		require.NoError(t, err)
		root, err := Aggregate(leaves)
		require.NoError(t, err)

		require.Equal(t, Combine(left, right), root, "depth %d", depth)
	}
}

func TestAggregateInvalidLength(t *testing.T) {
	for _, n := range []int{3, 5, 6, 7, 12, 100, 1023} {
		_, err := Aggregate(makeLeaves(n))
		require.ErrorIs(t, err, types.ErrLeafCount, "n=%d", n)
	}
}

func TestChunkRoots(t *testing.T) {
	leaves := makeLeaves(64)
	roots, err := ChunkRoots(leaves, 3)
	require.NoError(t, err)
	require.Len(t, roots, 8)

	for i, root := range roots {
		expected, err := Aggregate(leaves[i*8 : (i+1)*8])
		require.NoError(t, err)
		require.Equal(t, expected, root)
	}

	_, err = ChunkRoots(makeLeaves(60), 3)
	require.ErrorIs(t, err, types.ErrLeafCount)
}

func TestCrossDepthEquivalence(t *testing.T) {
	leaves := makeLeaves(1 << types.MaxDepth)

	direct, err := Aggregate(leaves)
	require.NoError(t, err)

	viaInitial, err := RootAtDepth(leaves, types.InitialDepth, types.MaxDepth)
	require.NoError(t, err)
	require.Equal(t, direct, viaInitial)

	_, err = RootAtDepth(leaves, types.MaxDepth+1, types.MaxDepth)
	require.ErrorIs(t, err, types.ErrLeafCount)
	_, err = RootAtDepth(leaves[:100], types.InitialDepth, types.MaxDepth)
	require.ErrorIs(t, err, types.ErrLeafCount)
}
