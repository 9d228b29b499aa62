// Package chainsync drives a light client's view of the chain from a
// block-dn server. Headers, compact filters and silent payment tweak data
// are fetched as three concurrent streams, validated and applied in height
// order.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/blockdn/cfilter"
	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/blockdn/headerchain"
	"github.com/lightningnetwork/blockdn/silentpayments"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// Cursor holds the next height each stream will fetch. The filter and tweak
// cursors never pass the header cursor.
type Cursor struct {
	NextHeader uint32
	NextFilter uint32
	NextTweak  uint32
}

// Progress is a snapshot of the sync state.
type Progress struct {
	// Cursor is the position of every stream.
	Cursor Cursor

	// Tip is the tip of the active header chain, if any.
	Tip fn.Option[headerchain.BlockStamp]

	// Target is the height streams are advancing to.
	Target uint32

	// Matches holds the silent payment outputs found in the batches the
	// snapshot covers.
	Matches []silentpayments.MatchedOutput
}

// Update is passed to Config.OnProgress after a batch was applied.
type Update struct {
	Progress

	// Stream is the stream whose batch was applied.
	Stream StreamKind

	// ForkHeight is set when the batch switched the active branch.
	ForkHeight fn.Option[uint32]
}

// Engine syncs headers, filters and tweak data from a block-dn server.
type Engine struct {
	cfg *Config

	chain   *headerchain.Chain
	filters *cfilter.Store
	tweaks  *silentpayments.Store
	scanner *silentpayments.Scanner

	blocks *lru.Cache[chainhash.Hash, *cachedBlock]

	// runMtx serializes AdvanceTo calls.
	runMtx sync.Mutex

	// applyMtx is held while a fetched batch is applied, so batches of
	// all streams and reorgs take effect one at a time.
	applyMtx sync.Mutex

	mu     sync.RWMutex
	cursor Cursor
	status *dnwire.ServerStatus

	// gen is bumped on every reorg. Data batches requested under an
	// older generation are dropped.
	gen uint64

	// headerSignal is closed and replaced whenever the header cursor
	// moves.
	headerSignal chan struct{}
}

// New creates an engine with empty state.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg: cfg,
		cursor: Cursor{
			NextHeader: cfg.StartHeight,
			NextFilter: cfg.StartHeight,
			NextTweak:  cfg.StartHeight,
		},
		headerSignal: make(chan struct{}),
		blocks: lru.NewCache[chainhash.Hash, *cachedBlock](
			DefaultBlockCacheSize,
		),
	}

	chain, err := headerchain.New(&headerchain.Config{
		ChainParams: cfg.ChainParams,
		OnReorg:     e.handleReorg,
	})
	if err != nil {
		return nil, err
	}
	e.chain = chain

	e.filters, err = cfilter.New(&cfilter.Config{
		Headers:   chain,
		CacheSize: cfg.FilterCacheSize,
	})
	if err != nil {
		return nil, err
	}
	cfg.StartFilterHeader.WhenSome(func(prev chainhash.Hash) {
		e.filters.SetHeaderAnchor(cfg.StartHeight, prev)
	})

	e.tweaks, err = silentpayments.NewStore(chain)
	if err != nil {
		return nil, err
	}

	if cfg.Keys != nil {
		e.scanner, err = silentpayments.NewScanner(cfg.Keys)
		if err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Chain returns the header chain maintained by the engine.
func (e *Engine) Chain() *headerchain.Chain {
	return e.chain
}

// Filters returns the filter store maintained by the engine.
func (e *Engine) Filters() *cfilter.Store {
	return e.filters
}

// Tweaks returns the tweak store maintained by the engine.
func (e *Engine) Tweaks() *silentpayments.Store {
	return e.tweaks
}

// Cursor returns the current position of every stream.
func (e *Engine) Cursor() Cursor {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.cursor
}

// Tip returns the tip of the active header chain. The second return value is
// false until the first headers were applied.
func (e *Engine) Tip() (headerchain.BlockStamp, bool) {
	return e.chain.Tip()
}

// Bootstrap fetches the server status and checks that the server follows
// the configured network.
func (e *Engine) Bootstrap(ctx context.Context) (*dnwire.ServerStatus,
	error) {

	fetch := func(ctx context.Context,
		_ uint32) ([]*dnwire.ServerStatus, error) {

		status, err := e.cfg.Fetcher.Status(ctx)
		if err != nil {
			return nil, err
		}

		return []*dnwire.ServerStatus{status}, nil
	}

	items, err := retry[*dnwire.ServerStatus](
		ctx, e, StreamStatus, 0, 1, fetch,
	)
	if err != nil {
		return nil, err
	}
	status := items[0]

	genesis, err := status.GenesisHash()
	if err != nil {
		return nil, invalid(StreamStatus, HeightRange{}, err)
	}
	if genesis != *e.cfg.ChainParams.GenesisHash {
		return nil, invalid(StreamStatus, HeightRange{}, fmt.Errorf(
			"%w: server has %v, %s has %v", ErrGenesisMismatch,
			genesis, e.cfg.ChainParams.Name,
			e.cfg.ChainParams.GenesisHash,
		))
	}

	e.mu.Lock()
	e.status = status
	e.mu.Unlock()

	log.Infof("Server on %s at height %d, filters at %d, tweaks at %d",
		status.ChainName, status.BestBlockHeight,
		status.BestFilterHeight, status.BestSPTweakHeight)

	return status, nil
}

// run is the shared state of the streams of one AdvanceTo call.
type run struct {
	target uint32

	// headersDone is closed once the header stream returned.
	headersDone chan struct{}

	mu        sync.Mutex
	matches   []silentpayments.MatchedOutput
	exhausted []error
}

// halt records an exhausted stream so the other streams keep going.
func (r *run) halt(err error) error {
	if !errors.Is(err, ErrExhausted) {
		return err
	}

	r.mu.Lock()
	r.exhausted = append(r.exhausted, err)
	r.mu.Unlock()

	return nil
}

func (r *run) addMatches(matches []silentpayments.MatchedOutput) {
	r.mu.Lock()
	r.matches = append(r.matches, matches...)
	r.mu.Unlock()
}

// AdvanceTo syncs every enabled stream up to and including target. It
// returns once every stream reached target or halted. A stream whose
// retries ran out halts alone and its SyncError is returned after the
// others finished; invalid server data halts every stream.
func (e *Engine) AdvanceTo(ctx context.Context, target uint32) (*Progress,
	error) {

	e.runMtx.Lock()
	defer e.runMtx.Unlock()

	r := &run{
		target:      target,
		headersDone: make(chan struct{}),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(r.headersDone)

		return r.halt(e.runHeaders(ctx, r))
	})
	if !e.cfg.DisableFilters {
		g.Go(func() error {
			return r.halt(runData(ctx, e, r, e.filterStream()))
		})
	}
	if !e.cfg.DisableTweaks {
		g.Go(func() error {
			return r.halt(runData(ctx, e, r, e.tweakStream(r)))
		})
	}

	err := g.Wait()

	progress := e.progress(target)
	progress.Matches = r.matches

	switch {
	case err != nil:
		return progress, err

	case len(r.exhausted) == 1:
		return progress, r.exhausted[0]

	case len(r.exhausted) > 1:
		return progress, errors.Join(r.exhausted...)
	}

	log.Debugf("Advanced to %d: %+v", target, progress.Cursor)

	return progress, nil
}

func (e *Engine) progress(target uint32) *Progress {
	p := &Progress{
		Cursor: e.Cursor(),
		Target: target,
	}
	if tip, ok := e.chain.Tip(); ok {
		p.Tip = fn.Some(tip)
	}

	return p
}

// notify hands an update to the progress callback. The caller holds
// applyMtx.
func (e *Engine) notify(stream StreamKind, target uint32,
	fork fn.Option[uint32], matches []silentpayments.MatchedOutput) {

	cursor := e.Cursor()
	e.cfg.Metrics.observe(cursor, e.chain)

	if e.cfg.OnProgress == nil {
		return
	}

	update := Update{
		Progress:   *e.progress(target),
		Stream:     stream,
		ForkHeight: fork,
	}
	update.Matches = matches

	e.cfg.OnProgress(update)
}

// handleReorg drops filter and tweak data of the blocks that left the active
// branch and rewinds their cursors. It runs inside Chain.Ingest, which is
// only called with applyMtx held.
func (e *Engine) handleReorg(forkHeight uint32) {
	log.Infof("Active chain switched at height %d, evicting filters and "+
		"tweaks", forkHeight)

	e.filters.Evict(forkHeight)
	e.tweaks.Evict(forkHeight)

	e.mu.Lock()
	if e.cursor.NextFilter > forkHeight {
		e.cursor.NextFilter = forkHeight
	}
	if e.cursor.NextTweak > forkHeight {
		e.cursor.NextTweak = forkHeight
	}
	e.gen++
	e.mu.Unlock()

	e.cfg.Metrics.reorged()
}
