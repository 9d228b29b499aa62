// Package headerchain maintains a proof-of-work validated chain of block
// headers received from an untrusted server. Every header ever accepted is
// kept in an arena; the active branch is the one with the most cumulative
// work and is the only one exposed to readers.
package headerchain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/blockdn/dnwire"
)

// BlockStamp identifies a header on the active branch.
type BlockStamp struct {
	// Height is the height of the header.
	Height uint32

	// Hash is the hash of the header.
	Hash chainhash.Hash

	// Timestamp is the time the header was mined at.
	Timestamp time.Time
}

// IngestResult describes the effect of a successful Ingest call.
type IngestResult struct {
	// Added is the number of headers that were new to the chain, on any
	// branch.
	Added int

	// Tip is the tip of the active branch after the batch was applied.
	Tip BlockStamp

	// Reorged is true if the batch caused the active branch to switch
	// away from a header it previously contained.
	Reorged bool

	// ForkHeight is the first height whose header changed when Reorged is
	// true. Data anchored at or above this height is stale.
	ForkHeight uint32
}

// Config holds the parameters of a Chain.
type Config struct {
	// ChainParams are the parameters of the network the chain belongs
	// to. The genesis hash and proof of work limit are taken from here.
	ChainParams *chaincfg.Params

	// OnReorg, if set, is called with the fork height after a batch that
	// switched the active branch has been applied. It is called without
	// the chain's lock held, so it may read from the chain.
	OnReorg func(forkHeight uint32)
}

// node is a single entry of the header arena.
type node struct {
	header dnwire.BlockHeader

	// parent is the arena index of the previous header, or -1 for the
	// anchor.
	parent int

	// work is the cumulative work from the anchor up to and including
	// this header.
	work *big.Int
}

// Chain is a header chain. It is safe for concurrent use; writers are
// serialized and readers always observe a fully applied batch.
type Chain struct {
	cfg *Config

	mu sync.RWMutex

	// nodes is the arena of every accepted header.
	nodes []node

	// byHash indexes nodes by header hash.
	byHash map[chainhash.Hash]int

	// base is the height of active[0].
	base uint32

	// active lists the arena indexes of the active branch by height.
	active []int
}

// New creates an empty chain. The first ingested batch anchors it.
func New(cfg *Config) (*Chain, error) {
	if cfg == nil || cfg.ChainParams == nil {
		return nil, errors.New("chain params required")
	}

	return &Chain{
		cfg:    cfg,
		byHash: make(map[chainhash.Hash]int),
	}, nil
}

// Ingest validates a batch of headers and applies it in full, or not at all.
// The batch must be contiguous by height and internally linked. Its first
// new header must link to the tip of the active branch or to any other known
// header. A batch whose last header has more cumulative work than the
// current tip becomes the active branch.
func (c *Chain) Ingest(headers []dnwire.BlockHeader) (*IngestResult, error) {
	err := validateBatch(headers, c.cfg.ChainParams.PowLimit)
	if err != nil {
		return nil, err
	}

	result, err := c.apply(headers)
	if err != nil {
		return nil, err
	}

	if result.Reorged && c.cfg.OnReorg != nil {
		c.cfg.OnReorg(result.ForkHeight)
	}

	return result, nil
}

// validateBatch runs every check that does not depend on chain state.
func validateBatch(headers []dnwire.BlockHeader, powLimit *big.Int) error {
	for i := range headers {
		h := &headers[i]

		if hash := h.BlockHeader.BlockHash(); hash != h.Hash {
			return fmt.Errorf("%w: %v hashes to %v",
				ErrInvalidHeader, h, hash)
		}

		if err := checkProofOfWork(h, powLimit); err != nil {
			return err
		}

		if i == 0 {
			continue
		}

		prev := &headers[i-1]
		if h.Height != prev.Height+1 {
			return fmt.Errorf("%w: %v follows height %d",
				ErrInvalidHeader, h, prev.Height)
		}
		if h.PrevBlock != prev.Hash {
			return fmt.Errorf("%w: %v does not link to %v",
				ErrInvalidHeader, h, prev)
		}
	}

	return nil
}

// checkProofOfWork makes sure the header's hash is at or below the target
// encoded in its bits and that the target does not exceed powLimit.
func checkProofOfWork(h *dnwire.BlockHeader, powLimit *big.Int) error {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: %v has non-positive target %064x",
			ErrInsufficientWork, h, target)
	}

	if target.Cmp(powLimit) > 0 {
		return fmt.Errorf("%w: %v target %064x above limit %064x",
			ErrInsufficientWork, h, target, powLimit)
	}

	hashNum := blockchain.HashToBig(&h.Hash)
	if hashNum.Cmp(target) > 0 {
		return fmt.Errorf("%w: %v hash above target %064x",
			ErrInsufficientWork, h, target)
	}

	return nil
}

// apply links a validated batch into the arena and updates the active
// branch. Nothing is mutated until every stateful check has passed.
func (c *Chain) apply(headers []dnwire.BlockHeader) (*IngestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Skip the headers we already have. Re-ingesting a batch is a no-op.
	skip := 0
	for skip < len(headers) {
		if _, ok := c.byHash[headers[skip].Hash]; !ok {
			break
		}
		skip++
	}
	fresh := headers[skip:]

	if len(fresh) == 0 {
		return &IngestResult{Tip: c.tipLocked()}, nil
	}

	first := &fresh[0]
	parent := -1
	switch {
	case len(c.nodes) == 0:
		genesis := c.cfg.ChainParams.GenesisHash
		if first.Height == 0 && first.Hash != *genesis {
			return nil, fmt.Errorf("%w: %v is not the %s genesis "+
				"block", ErrInvalidHeader, first,
				c.cfg.ChainParams.Name)
		}

	default:
		idx, ok := c.byHash[first.PrevBlock]
		if !ok {
			return nil, fmt.Errorf("%w: no header %v for %v",
				ErrDisconnected, first.PrevBlock, first)
		}

		parentHeight := c.nodes[idx].header.Height
		if parentHeight+1 != first.Height {
			return nil, fmt.Errorf("%w: %v claims height %d, parent "+
				"is at %d", ErrInvalidHeader, first, first.Height,
				parentHeight)
		}
		parent = idx
	}

	// From here on nothing can fail.
	hadTip := len(c.active) > 0
	var oldTip int
	if hadTip {
		oldTip = c.active[len(c.active)-1]
	}

	for i := range fresh {
		work := blockchain.CalcWork(fresh[i].Bits)
		if parent >= 0 {
			work.Add(work, c.nodes[parent].work)
		}

		c.nodes = append(c.nodes, node{
			header: fresh[i],
			parent: parent,
			work:   work,
		})
		parent = len(c.nodes) - 1
		c.byHash[fresh[i].Hash] = parent
	}
	newTip := parent

	result := &IngestResult{Added: len(fresh)}

	switch {
	// The first batch anchors the chain.
	case !hadTip:
		c.base = first.Height
		c.active = c.active[:0]
		for idx := len(c.nodes) - len(fresh); idx <= newTip; idx++ {
			c.active = append(c.active, idx)
		}

		log.Infof("Anchored header chain at %v", first)

	// The batch connects to the tip, extend the active branch.
	case c.nodes[len(c.nodes)-len(fresh)].parent == oldTip:
		for idx := len(c.nodes) - len(fresh); idx <= newTip; idx++ {
			c.active = append(c.active, idx)
		}

	// A competing branch with more work, switch to it.
	case c.nodes[newTip].work.Cmp(c.nodes[oldTip].work) > 0:
		result.Reorged = true
		result.ForkHeight = c.switchToLocked(newTip)

		log.Infof("Reorganized header chain at height %d, new tip %v "+
			"(%d new headers)", result.ForkHeight,
			&c.nodes[newTip].header, len(fresh))

	// Otherwise keep the headers as a side branch.
	default:
		log.Debugf("Stored side branch of %d headers ending at %v",
			len(fresh), &c.nodes[newTip].header)
	}

	result.Tip = c.tipLocked()

	log.Debugf("Ingested %d headers, tip now %v@%d", len(fresh),
		result.Tip.Hash, result.Tip.Height)

	return result, nil
}

// switchToLocked makes the branch ending at tip active and returns the first
// height that changed. The branch must connect to the active branch at or
// above base; the arena is rooted at the anchor so it always does.
func (c *Chain) switchToLocked(tip int) uint32 {
	var branch []int
	idx := tip
	for idx >= 0 && !c.onActiveLocked(idx) {
		branch = append(branch, idx)
		idx = c.nodes[idx].parent
	}

	// The common ancestor is at idx, everything above is replaced.
	forkHeight := c.base
	if idx >= 0 {
		forkHeight = c.nodes[idx].header.Height + 1
	}

	c.active = c.active[:forkHeight-c.base]
	for i := len(branch) - 1; i >= 0; i-- {
		c.active = append(c.active, branch[i])
	}

	return forkHeight
}

// onActiveLocked reports whether the arena entry is part of the active
// branch.
func (c *Chain) onActiveLocked(idx int) bool {
	height := c.nodes[idx].header.Height
	if height < c.base || height-c.base >= uint32(len(c.active)) {
		return false
	}

	return c.active[height-c.base] == idx
}

func (c *Chain) tipLocked() BlockStamp {
	if len(c.active) == 0 {
		return BlockStamp{}
	}

	return c.stampLocked(c.active[len(c.active)-1])
}

func (c *Chain) stampLocked(idx int) BlockStamp {
	h := &c.nodes[idx].header

	return BlockStamp{
		Height:    h.Height,
		Hash:      h.Hash,
		Timestamp: h.Timestamp,
	}
}

// nodeAtLocked returns the active node at height.
func (c *Chain) nodeAtLocked(height uint32) (*node, error) {
	if height < c.base || height-c.base >= uint32(len(c.active)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHeight, height)
	}

	return &c.nodes[c.active[height-c.base]], nil
}

// Tip returns the tip of the active branch. The second return value is
// false while the chain is empty.
func (c *Chain) Tip() (BlockStamp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.active) == 0 {
		return BlockStamp{}, false
	}

	return c.tipLocked(), true
}

// Anchor returns the lowest header of the active branch.
func (c *Chain) Anchor() (BlockStamp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.active) == 0 {
		return BlockStamp{}, false
	}

	return c.stampLocked(c.active[0]), true
}

// CumulativeWorkAt returns the work accumulated from the anchor up to and
// including the active header at height.
func (c *Chain) CumulativeWorkAt(height uint32) (*big.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, err := c.nodeAtLocked(height)
	if err != nil {
		return nil, err
	}

	return new(big.Int).Set(n.work), nil
}

// Contains reports whether the hash is on the active branch.
func (c *Chain) Contains(hash chainhash.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.byHash[hash]

	return ok && c.onActiveLocked(idx)
}

// HashAt returns the hash of the active header at height.
func (c *Chain) HashAt(height uint32) (chainhash.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, err := c.nodeAtLocked(height)
	if err != nil {
		return chainhash.Hash{}, err
	}

	return n.header.Hash, nil
}

// HeaderAt returns a copy of the active header at height.
func (c *Chain) HeaderAt(height uint32) (*dnwire.BlockHeader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, err := c.nodeAtLocked(height)
	if err != nil {
		return nil, err
	}

	header := n.header

	return &header, nil
}

// HeightOf returns the height of an active header.
func (c *Chain) HeightOf(hash chainhash.Hash) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.byHash[hash]
	if !ok || !c.onActiveLocked(idx) {
		return 0, fmt.Errorf("%w: %v", ErrUnknownHash, hash)
	}

	return c.nodes[idx].header.Height, nil
}
