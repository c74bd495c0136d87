package indexer

import (
	"context"
	"path/filepath"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls   int
	missing bool
}

func (s *countingSource) BlockHashes(_ context.Context, start, stop uint64) ([]ethcommon.Hash, error) {
	s.calls++
	var out []ethcommon.Hash
	for n := start; n < stop; n++ {
		if s.missing && n == stop-1 {
			break
		}
		out = append(out, testHash(n))
	}
	return out, nil
}

func (s *countingSource) CalldataFor(context.Context, uint64, uint64, uint64, uint64) ([]byte, bool, error) {
	return []byte{0x42}, true, nil
}

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := OpenCache(filepath.Join(t.TempDir(), "hashes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCacheGetRequiresCompleteRange(t *testing.T) {
	cache := openTestCache(t)
	require.NoError(t, cache.Put(10, []ethcommon.Hash{testHash(10), testHash(11), testHash(12)}))
	require.NoError(t, cache.Put(14, []ethcommon.Hash{testHash(14)}))

	hashes, ok, err := cache.Get(10, 13)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []ethcommon.Hash{testHash(10), testHash(11), testHash(12)}, hashes)

	testCases := []struct {
		name        string
		start, stop uint64
	}{
		{"hole in range", 10, 15},
		{"starts before cached", 9, 12},
		{"runs past cached", 11, 14},
		{"nothing cached", 100, 101},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok, err := cache.Get(tc.start, tc.stop)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashes.db")
	cache, err := OpenCache(path)
	require.NoError(t, err)
	require.NoError(t, cache.Put(0, []ethcommon.Hash{testHash(0), testHash(1)}))
	require.NoError(t, cache.Close())

	cache, err = OpenCache(path)
	require.NoError(t, err)
	defer cache.Close()
	hashes, ok, err := cache.Get(0, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, hashes, 2)
}

func TestCachingSourceServesSecondCallFromCache(t *testing.T) {
	source := &countingSource{}
	cs := NewCachingSource(source, openTestCache(t), zerolog.Nop())

	first, err := cs.BlockHashes(context.Background(), 1024, 2048)
	require.NoError(t, err)
	second, err := cs.BlockHashes(context.Background(), 1024, 2048)
	require.NoError(t, err)

	require.Equal(t, 1, source.calls)
	require.Equal(t, first, second)
	require.Len(t, second, 1024)

	calldata, ok, err := cs.CalldataFor(context.Background(), 0, 1, 7, 17)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0x42}, calldata)
}

func TestCachingSourceDoesNotCachePartialRange(t *testing.T) {
	source := &countingSource{missing: true}
	cs := NewCachingSource(source, openTestCache(t), zerolog.Nop())

	hashes, err := cs.BlockHashes(context.Background(), 0, 4)
	require.NoError(t, err)
	require.Len(t, hashes, 3)

	_, err = cs.BlockHashes(context.Background(), 0, 4)
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)
}
