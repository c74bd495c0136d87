package indexer

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var blockHashBucket = []byte("block_hashes")

// Cache stores block hashes by block number in a bbolt file. Block hashes
// fetched for the historical path are deep below the head and never change.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens or creates the cache at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open block hash cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blockHashBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create block hash bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the hashes of blocks [start, stop). ok is false unless every
// block in the range is cached.
func (c *Cache) Get(start, stop uint64) (hashes []ethcommon.Hash, ok bool, err error) {
	if stop <= start {
		return nil, true, nil
	}
	err = c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(blockHashBucket).Cursor()
		out := make([]ethcommon.Hash, 0, stop-start)
		next := start
		for k, v := cur.Seek(blockKey(start)); k != nil && next < stop; k, v = cur.Next() {
			if binary.BigEndian.Uint64(k) != next {
				return nil
			}
			if len(v) != ethcommon.HashLength {
				return fmt.Errorf("corrupt cache entry for block %d", next)
			}
			out = append(out, ethcommon.BytesToHash(v))
			next++
		}
		if next == stop {
			hashes, ok = out, true
		}
		return nil
	})
	return hashes, ok, err
}

// Put stores hashes for consecutive blocks starting at start.
func (c *Cache) Put(start uint64, hashes []ethcommon.Hash) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blockHashBucket)
		for i, h := range hashes {
			if err := b.Put(blockKey(start+uint64(i)), h.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Big-endian keys keep the bucket ordered by block number.
func blockKey(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// Source is the query surface of the indexer used by the historical path.
// *Client implements it.
type Source interface {
	BlockHashes(ctx context.Context, start, stop uint64) ([]ethcommon.Hash, error)
	CalldataFor(ctx context.Context, start, endInclusive, initialDepth, maxDepth uint64) ([]byte, bool, error)
}

// CachingSource serves complete block hash ranges from a Cache and fills it
// from the wrapped Source on a miss. Calldata queries pass through.
type CachingSource struct {
	Source
	cache *Cache
	log   zerolog.Logger
}

// NewCachingSource wraps source with cache.
func NewCachingSource(source Source, cache *Cache, logger zerolog.Logger) *CachingSource {
	return &CachingSource{
		Source: source,
		cache:  cache,
		log:    logger.With().Str("component", "block-hash-cache").Logger(),
	}
}

// BlockHashes returns cached hashes when the whole range is present.
func (s *CachingSource) BlockHashes(ctx context.Context, start, stop uint64) ([]ethcommon.Hash, error) {
	hashes, ok, err := s.cache.Get(start, stop)
	if err != nil {
		return nil, err
	}
	if ok {
		s.log.Info().Uint64("start", start).Uint64("stop", stop).Msg("serving block hashes from cache")
		return hashes, nil
	}

	hashes, err = s.Source.BlockHashes(ctx, start, stop)
	if err != nil {
		return nil, err
	}
	if uint64(len(hashes)) == stop-start {
		if err := s.cache.Put(start, hashes); err != nil {
			s.log.Warn().Err(err).Msg("failed to cache block hashes")
		}
	}
	return hashes, nil
}
