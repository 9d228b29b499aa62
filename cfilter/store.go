// Package cfilter stores BIP-158 basic filters for blocks of the active
// header chain and matches scripts against them.
package cfilter

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultCacheSize is the default number of filter bytes kept decoded
	// in memory.
	DefaultCacheSize = 32 * 1024 * 1024

	// FalsePositiveRate is the probability that a single queried script
	// that is not in a basic filter matches it anyway.
	FalsePositiveRate = 1.0 / float64(builder.DefaultM)
)

// HeaderSource resolves heights of the active header chain to block hashes.
type HeaderSource interface {
	// HashAt returns the hash of the active header at height.
	HashAt(height uint32) (chainhash.Hash, error)
}

// Config holds the dependencies of a Store.
type Config struct {
	// Headers is the header chain filters are checked against.
	Headers HeaderSource

	// CacheSize bounds the total size in bytes of decoded filters kept in
	// memory. Zero selects DefaultCacheSize.
	CacheSize uint64
}

// filterAnchor seeds the filter header chain when filters are not synced
// from genesis.
type filterAnchor struct {
	height     uint32
	prevHeader chainhash.Hash
}

// cachedFilter is a decoded filter held by the LRU cache.
type cachedFilter struct {
	filter *gcs.Filter
	size   uint64
}

// Size returns the serialized size of the filter.
func (c *cachedFilter) Size() (uint64, error) {
	return c.size, nil
}

// Store holds basic filters by height. It is safe for concurrent use.
type Store struct {
	cfg *Config

	mu sync.RWMutex

	filters map[uint32]*dnwire.CompactFilter

	// headers holds the BIP-157 filter header of every stored filter
	// whose predecessor header is known.
	headers map[uint32]chainhash.Hash

	anchor fn.Option[filterAnchor]

	cache *lru.Cache[chainhash.Hash, *cachedFilter]
}

// New creates an empty filter store.
func New(cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Headers == nil {
		return nil, errors.New("header source required")
	}

	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	return &Store{
		cfg:     cfg,
		filters: make(map[uint32]*dnwire.CompactFilter),
		headers: make(map[uint32]chainhash.Hash),
		cache: lru.NewCache[chainhash.Hash, *cachedFilter](
			cfg.CacheSize,
		),
	}, nil
}

// decode parses raw basic filter bytes.
func decode(data []byte) (*gcs.Filter, error) {
	filter, err := gcs.FromNBytes(builder.DefaultP, builder.DefaultM, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	return filter, nil
}

// Store adds a filter for a block of the active chain. Storing the same
// filter twice is a no-op.
func (s *Store) Store(f dnwire.CompactFilter) error {
	return s.StoreBatch([]dnwire.CompactFilter{f})
}

// StoreBatch adds filters for blocks of the active chain. Either every filter
// is stored or, on error, none is.
func (s *Store) StoreBatch(filters []dnwire.CompactFilter) error {
	decoded := make([]*gcs.Filter, len(filters))
	for i, f := range filters {
		filter, err := decode(f.Data)
		if err != nil {
			return fmt.Errorf("height %d: %w", f.Height, err)
		}
		decoded[i] = filter

		hash, err := s.cfg.Headers.HashAt(f.Height)
		if err != nil || hash != f.BlockHash {
			return fmt.Errorf("%w: %v at height %d",
				ErrUnknownBlock, f.BlockHash, f.Height)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		fresh   = make([]int, 0, len(filters))
		headers = make(map[uint32]chainhash.Hash)
	)
	for i, f := range filters {
		existing, ok := s.filters[f.Height]
		if ok && existing.BlockHash == f.BlockHash {
			if bytes.Equal(existing.Data, f.Data) {
				continue
			}

			return fmt.Errorf("%w: block %v at height %d",
				ErrFilterConflict, f.BlockHash, f.Height)
		}

		header, ok, err := s.headerLocked(f.Height, decoded[i], headers)
		if err != nil {
			return err
		}
		if ok {
			headers[f.Height] = header
		}

		fresh = append(fresh, i)
	}

	for _, i := range fresh {
		stored := filters[i]
		stored.Data = append([]byte(nil), stored.Data...)
		s.filters[stored.Height] = &stored

		if header, ok := headers[stored.Height]; ok {
			s.headers[stored.Height] = header
		}

		s.cacheLocked(stored.BlockHash, decoded[i], len(stored.Data))

		log.Tracef("Stored filter for %v@%d (%d elements)",
			stored.BlockHash, stored.Height, decoded[i].N())
	}

	return nil
}

// headerLocked computes the filter header at height if its predecessor is
// known, either stored or in pending.
func (s *Store) headerLocked(height uint32, filter *gcs.Filter,
	pending map[uint32]chainhash.Hash) (chainhash.Hash, bool, error) {

	var (
		prev  chainhash.Hash
		known bool
	)
	switch {
	case height == 0:
		known = true

	default:
		prev, known = pending[height-1]
		if !known {
			prev, known = s.headers[height-1]
		}
	}

	s.anchor.WhenSome(func(a filterAnchor) {
		if a.height == height {
			prev, known = a.prevHeader, true
		}
	})

	if !known {
		return chainhash.Hash{}, false, nil
	}

	header, err := builder.MakeHeaderForFilter(filter, prev)
	if err != nil {
		return chainhash.Hash{}, false, fmt.Errorf("filter header at "+
			"%d: %w", height, err)
	}

	return header, true, nil
}

func (s *Store) cacheLocked(hash chainhash.Hash, filter *gcs.Filter,
	size int) {

	if size == 0 {
		size = 1
	}

	_, err := s.cache.Put(hash, &cachedFilter{
		filter: filter,
		size:   uint64(size),
	})
	if err != nil {
		log.Debugf("Unable to cache filter for %v: %v", hash, err)
	}
}

// Matches reports whether any of the scripts may be in the filter stored at
// height. A script that was added to the filter always matches; a script
// that was not matches with probability FalsePositiveRate.
func (s *Store) Matches(height uint32, scripts [][]byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.activeLocked(height)
	if !ok {
		return false, fmt.Errorf("%w: height %d", ErrFilterNotFound,
			height)
	}

	if len(scripts) == 0 {
		return false, nil
	}

	var filter *gcs.Filter
	if cached, err := s.cache.Get(f.BlockHash); err == nil {
		filter = cached.filter
	} else {
		filter, err = decode(f.Data)
		if err != nil {
			return false, err
		}
		s.cacheLocked(f.BlockHash, filter, len(f.Data))
	}

	if filter.N() == 0 {
		return false, nil
	}

	key := builder.DeriveKey(&f.BlockHash)

	return filter.MatchAny(key, scripts)
}

// Filter returns the filter stored at height.
func (s *Store) Filter(height uint32) (*dnwire.CompactFilter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.activeLocked(height)
	if !ok {
		return nil, fmt.Errorf("%w: height %d", ErrFilterNotFound,
			height)
	}

	filter := *f

	return &filter, nil
}

// Has reports whether a filter is stored at height.
func (s *Store) Has(height uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.activeLocked(height)

	return ok
}

// activeLocked returns the filter stored at height if it belongs to the
// block the header chain currently has at that height. Filters of blocks
// that left the active branch are hidden until Evict drops them.
func (s *Store) activeLocked(height uint32) (*dnwire.CompactFilter, bool) {
	f, ok := s.filters[height]
	if !ok {
		return nil, false
	}

	hash, err := s.cfg.Headers.HashAt(height)
	if err != nil || hash != f.BlockHash {
		return nil, false
	}

	return f, true
}

// SetHeaderAnchor seeds the filter header chain with the filter header of
// the block below height, so filter headers can be computed for a sync that
// does not start at genesis.
func (s *Store) SetHeaderAnchor(height uint32, prevHeader chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anchor = fn.Some(filterAnchor{
		height:     height,
		prevHeader: prevHeader,
	})
}

// FilterHeader returns the BIP-157 filter header at height. It is only known
// for heights whose chain of filters reaches back to genesis or to the
// header anchor.
func (s *Store) FilterHeader(height uint32) (chainhash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.activeLocked(height); !ok {
		return chainhash.Hash{}, fmt.Errorf("%w: no filter header at "+
			"height %d", ErrFilterNotFound, height)
	}

	header, ok := s.headers[height]
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("%w: no filter header at "+
			"height %d", ErrFilterNotFound, height)
	}

	return header, nil
}

// Evict removes every filter at or above fromHeight.
func (s *Store) Evict(fromHeight uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted int
	for height := range s.filters {
		if height >= fromHeight {
			delete(s.filters, height)
			evicted++
		}
	}
	for height := range s.headers {
		if height >= fromHeight {
			delete(s.headers, height)
		}
	}

	// Reset the cache instead of tracking which blocks it holds.
	s.cache = lru.NewCache[chainhash.Hash, *cachedFilter](s.cfg.CacheSize)

	log.Debugf("Evicted %d filters from height %d", evicted, fromHeight)
}
