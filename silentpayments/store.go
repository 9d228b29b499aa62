package silentpayments

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/blockdn/dnwire"
)

// HeaderSource resolves heights of the active header chain to block hashes.
type HeaderSource interface {
	// HashAt returns the hash of the active header at height.
	HashAt(height uint32) (chainhash.Hash, error)
}

// Store holds tweak batches by height. It is safe for concurrent use.
type Store struct {
	headers HeaderSource

	mu      sync.RWMutex
	batches map[uint32]*dnwire.TweakBatch
}

// NewStore creates an empty tweak store checked against headers.
func NewStore(headers HeaderSource) (*Store, error) {
	if headers == nil {
		return nil, errors.New("header source required")
	}

	return &Store{
		headers: headers,
		batches: make(map[uint32]*dnwire.TweakBatch),
	}, nil
}

// Store adds the tweak batch of a block on the active chain. Storing the same
// batch twice is a no-op.
func (s *Store) Store(batch *dnwire.TweakBatch) error {
	return s.StoreBatches([]dnwire.TweakBatch{*batch})
}

// StoreBatches adds the tweak batches of blocks on the active chain. Either
// every batch is stored or, on error, none is.
func (s *Store) StoreBatches(batches []dnwire.TweakBatch) error {
	for _, batch := range batches {
		hash, err := s.headers.HashAt(batch.Height)
		if err != nil || hash != batch.BlockHash {
			return fmt.Errorf("%w: %v at height %d",
				ErrUnknownBlock, batch.BlockHash, batch.Height)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]int, 0, len(batches))
	for i, batch := range batches {
		existing, ok := s.batches[batch.Height]
		if ok && existing.BlockHash == batch.BlockHash {
			if reflect.DeepEqual(existing.Entries, batch.Entries) {
				continue
			}

			return fmt.Errorf("%w: block %v at height %d",
				ErrTweakConflict, batch.BlockHash, batch.Height)
		}

		fresh = append(fresh, i)
	}

	for _, i := range fresh {
		stored := batches[i]
		s.batches[stored.Height] = &stored

		log.Tracef("Stored %d tweak entries for %v@%d",
			len(stored.Entries), stored.BlockHash, stored.Height)
	}

	return nil
}

// Batch returns the tweak batch stored at height. The batch is shared and
// must not be modified.
func (s *Store) Batch(height uint32) (*dnwire.TweakBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.activeLocked(height)
	if !ok {
		return nil, fmt.Errorf("%w: height %d", ErrTweakNotFound,
			height)
	}

	return batch, nil
}

// Has reports whether a tweak batch is stored at height.
func (s *Store) Has(height uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.activeLocked(height)

	return ok
}

// activeLocked returns the batch stored at height if it belongs to the block
// the header chain currently has at that height.
func (s *Store) activeLocked(height uint32) (*dnwire.TweakBatch, bool) {
	batch, ok := s.batches[height]
	if !ok {
		return nil, false
	}

	hash, err := s.headers.HashAt(height)
	if err != nil || hash != batch.BlockHash {
		return nil, false
	}

	return batch, true
}

// Evict removes every tweak batch at or above fromHeight.
func (s *Store) Evict(fromHeight uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted int
	for height := range s.batches {
		if height >= fromHeight {
			delete(s.batches, height)
			evicted++
		}
	}

	log.Debugf("Evicted %d tweak batches from height %d", evicted,
		fromHeight)
}
