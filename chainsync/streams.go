package chainsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/blockdn/headerchain"
	"github.com/lightningnetwork/blockdn/silentpayments"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// errStale marks a data batch that no longer lines up with its cursor,
// either because of a reorg or because an earlier batch came back short.
var errStale = errors.New("stale batch")

func (e *Engine) fetchHeaders(ctx context.Context,
	start uint32) ([]dnwire.BlockHeader, error) {

	b, err := e.cfg.Fetcher.Headers(ctx, start)
	if err != nil {
		return nil, err
	}

	headers, err := dnwire.DecodeHeaders(start, b)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("%w at height %d", errEmptyBatch, start)
	}

	return headers, nil
}

func (e *Engine) fetchFilters(ctx context.Context,
	start uint32) ([]dnwire.CompactFilter, error) {

	b, err := e.cfg.Fetcher.Filters(ctx, start)
	if err != nil {
		return nil, err
	}

	filters, err := dnwire.DecodeFilters(b)
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w at height %d", errEmptyBatch, start)
	}
	if err := checkStart(start, filters[0].Height); err != nil {
		return nil, err
	}

	return filters, nil
}

func (e *Engine) fetchTweaks(ctx context.Context,
	start uint32) ([]dnwire.TweakBatch, error) {

	b, err := e.cfg.Fetcher.TweakData(ctx, start)
	if err != nil {
		return nil, err
	}

	batches, err := dnwire.DecodeTweakBatches(b)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w at height %d", errEmptyBatch, start)
	}
	if err := checkStart(start, batches[0].Height); err != nil {
		return nil, err
	}

	return batches, nil
}

func checkStart(requested, first uint32) error {
	if requested != first {
		return fmt.Errorf("%w: requested %d, got %d",
			errUnexpectedStart, requested, first)
	}

	return nil
}

// runHeaders fetches and ingests headers until the active tip reaches the
// target of the run.
func (e *Engine) runHeaders(ctx context.Context, r *run) error {
	size := e.cfg.HeaderBatchSize
	p := newPipeline[dnwire.BlockHeader](
		e, StreamHeaders, size, e.fetchHeaders,
	)
	defer p.close()

	var (
		next     = uint64(e.Cursor().NextHeader)
		lookback uint32
	)
	for {
		cur := e.Cursor().NextHeader
		if cur > r.target {
			return nil
		}

		for !p.full() && next <= uint64(r.target) {
			p.launch(ctx, uint32(next), 0)
			next += uint64(size)
		}

		// Everything up to the target was ingested without moving the
		// tip that far, so the server's chain has less work than ours.
		if p.empty() {
			return &SyncError{
				Kind:   Exhausted,
				Stream: StreamHeaders,
				Range:  HeightRange{Start: cur, End: r.target},
				Err:    errNoProgress,
			}
		}

		s, res, err := p.next(ctx)
		if err != nil {
			return err
		}
		if res.err != nil {
			return res.err
		}

		headers := res.items
		if last := headers[len(headers)-1].Height; last > r.target {
			headers = headers[:r.target-headers[0].Height+1]
		}
		batch := HeightRange{
			Start: headers[0].Height,
			End:   headers[len(headers)-1].Height,
		}

		err = e.applyHeaders(r, headers)
		switch {
		case errors.Is(err, headerchain.ErrDisconnected):
			if lookback == 0 {
				lookback = 1
			} else {
				lookback *= 2
			}
			if lookback > e.cfg.MaxReorgLookback {
				return &SyncError{
					Kind:   Exhausted,
					Stream: StreamHeaders,
					Range:  batch,
					Err:    err,
				}
			}

			rewind := e.rewindStart(s.start, lookback)
			log.Infof("Headers at %d do not connect, "+
				"fetching from %d", s.start, rewind)

			p.reset()
			next = uint64(rewind)

			continue

		case err != nil:
			return invalid(StreamHeaders, batch, err)
		}

		lookback = 0

		want := batch.End + 1
		if p.empty() || p.slots[0].start != want {
			p.reset()
			next = uint64(want)
		}
	}
}

// rewindStart is the height to refetch headers from when the batch at start
// did not connect. It does not go below the anchor of the chain.
func (e *Engine) rewindStart(start, lookback uint32) uint32 {
	floor := e.cfg.StartHeight
	if anchor, ok := e.chain.Anchor(); ok {
		floor = anchor.Height
	}

	if start < floor+lookback {
		return floor
	}

	return start - lookback
}

// applyHeaders ingests a batch and moves the header cursor to the new tip.
func (e *Engine) applyHeaders(r *run, headers []dnwire.BlockHeader) error {
	e.applyMtx.Lock()
	defer e.applyMtx.Unlock()

	res, err := e.chain.Ingest(headers)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.cursor.NextHeader = res.Tip.Height + 1
	close(e.headerSignal)
	e.headerSignal = make(chan struct{})
	e.mu.Unlock()

	log.Debugf("Ingested %d new headers, tip %v@%d", res.Added,
		res.Tip.Hash, res.Tip.Height)

	fork := fn.None[uint32]()
	if res.Reorged {
		fork = fn.Some(res.ForkHeight)
	}
	e.notify(StreamHeaders, r.target, fork, nil)

	return nil
}

// dataStream describes a stream of per-block data that trails the header
// chain.
type dataStream[T any] struct {
	kind  StreamKind
	size  uint32
	fetch fetchFunc[T]

	// height returns the block height of an item.
	height func(*T) uint32

	// cursor points at the stream's field of c.
	cursor func(c *Cursor) *uint32

	// store adds items to the stream's store atomically and returns the
	// silent payments they contain, if any.
	store func(items []T) ([]silentpayments.MatchedOutput, error)
}

func (e *Engine) filterStream() *dataStream[dnwire.CompactFilter] {
	return &dataStream[dnwire.CompactFilter]{
		kind:  StreamFilters,
		size:  e.cfg.FilterBatchSize,
		fetch: e.fetchFilters,
		height: func(f *dnwire.CompactFilter) uint32 {
			return f.Height
		},
		cursor: func(c *Cursor) *uint32 {
			return &c.NextFilter
		},
		store: func(filters []dnwire.CompactFilter) (
			[]silentpayments.MatchedOutput, error) {

			if err := e.filters.StoreBatch(filters); err != nil {
				return nil, err
			}

			return nil, e.checkFilterHeader(filters)
		},
	}
}

func (e *Engine) tweakStream(r *run) *dataStream[dnwire.TweakBatch] {
	return &dataStream[dnwire.TweakBatch]{
		kind:  StreamTweaks,
		size:  e.cfg.TweakBatchSize,
		fetch: e.fetchTweaks,
		height: func(b *dnwire.TweakBatch) uint32 {
			return b.Height
		},
		cursor: func(c *Cursor) *uint32 {
			return &c.NextTweak
		},
		store: func(batches []dnwire.TweakBatch) (
			[]silentpayments.MatchedOutput, error) {

			if err := e.tweaks.StoreBatches(batches); err != nil {
				return nil, err
			}

			matches := e.scan(batches)
			r.addMatches(matches)

			return matches, nil
		},
	}
}

// scan looks for silent payments to the configured keys.
func (e *Engine) scan(
	batches []dnwire.TweakBatch) []silentpayments.MatchedOutput {

	if e.scanner == nil {
		return nil
	}

	var matches []silentpayments.MatchedOutput
	for i := range batches {
		res := e.scanner.Scan(&batches[i])
		for _, m := range res.Matches {
			log.Infof("Found silent payment %v of %v at height %d",
				m.OutPoint, m.Value, m.Height)
		}
		matches = append(matches, res.Matches...)
	}
	e.cfg.Metrics.matched(len(matches))

	return matches
}

// checkFilterHeader compares the computed filter header against the one the
// server advertised, if the batch covers the advertised height.
func (e *Engine) checkFilterHeader(filters []dnwire.CompactFilter) error {
	e.mu.RLock()
	status := e.status
	e.mu.RUnlock()

	if status == nil {
		return nil
	}

	height := status.BestFilterHeight
	first, last := filters[0].Height, filters[len(filters)-1].Height
	if height < first || height > last {
		return nil
	}

	expected, ok, err := status.FilterHeader()
	if err != nil || !ok {
		return err
	}

	// The advertised header belongs to the block the server considered
	// best, which may have left our active chain since.
	if hash, err := e.chain.HashAt(height); err != nil ||
		hash != filters[height-first].BlockHash {

		return nil
	}

	computed, err := e.filters.FilterHeader(height)
	if err != nil {
		// Not anchored, nothing to compare.
		return nil
	}

	if computed != expected {
		return fmt.Errorf("%w at height %d: computed %v, server %v",
			ErrFilterHeaderMismatch, height, computed, expected)
	}

	log.Debugf("Filter header at %d matches server", height)

	return nil
}

// window is the part of the chain a data stream may currently fetch.
type window struct {
	cursor uint32
	limit  uint32
	gen    uint64
	signal <-chan struct{}
}

func (e *Engine) window(cursor func(*Cursor) *uint32) window {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return window{
		cursor: *cursor(&e.cursor),
		limit:  e.cursor.NextHeader,
		gen:    e.gen,
		signal: e.headerSignal,
	}
}

// runData fetches and stores the items of a data stream until its cursor
// passes the target of the run, or the header stream returned and the
// cursor caught up with it.
func runData[T any](ctx context.Context, e *Engine, r *run,
	ds *dataStream[T]) error {

	p := newPipeline(e, ds.kind, ds.size, ds.fetch)
	defer p.close()

	var (
		next    uint64
		reqGen  uint64
		started bool
	)
	for {
		w := e.window(ds.cursor)
		if w.cursor > r.target {
			return nil
		}

		if !started || w.gen != reqGen {
			p.reset()
			next = uint64(w.cursor)
			reqGen = w.gen
			started = true
		}

		limit := uint64(w.limit)
		if end := uint64(r.target) + 1; end < limit {
			limit = end
		}
		for !p.full() && next < limit {
			p.launch(ctx, uint32(next), reqGen)
			next += uint64(ds.size)
		}

		if p.empty() {
			select {
			case <-w.signal:
			case <-r.headersDone:
				if e.window(ds.cursor) == w {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}

			continue
		}

		s, res, err := p.next(ctx)
		if err != nil {
			return err
		}
		if res.err != nil {
			return res.err
		}

		want, err := applyData(e, r, ds, s, res.items)
		switch {
		case errors.Is(err, errStale):
			log.Debugf("Dropping stale %v batch at %d", ds.kind,
				s.start)
			started = false

			continue

		case err != nil:
			n := len(res.items)
			return invalid(ds.kind, HeightRange{
				Start: ds.height(&res.items[0]),
				End:   ds.height(&res.items[n-1]),
			}, err)
		}

		if p.empty() || p.slots[0].start != want {
			p.reset()
			next = uint64(want)
		}
	}
}

// applyData stores a fetched batch and moves the stream's cursor past it.
// Items at or above the header cursor are dropped. It returns the new
// cursor.
func applyData[T any](e *Engine, r *run, ds *dataStream[T], s *slot[T],
	items []T) (uint32, error) {

	e.applyMtx.Lock()
	defer e.applyMtx.Unlock()

	w := e.window(ds.cursor)
	if w.gen != s.gen || w.cursor != s.start {
		return 0, errStale
	}

	limit := uint64(w.limit)
	if end := uint64(r.target) + 1; end < limit {
		limit = end
	}

	n := 0
	for n < len(items) && uint64(ds.height(&items[n])) < limit {
		n++
	}
	if n == 0 {
		return 0, errStale
	}
	items = items[:n]

	matches, err := ds.store(items)
	if err != nil {
		return 0, err
	}

	next := ds.height(&items[n-1]) + 1

	e.mu.Lock()
	*ds.cursor(&e.cursor) = next
	e.mu.Unlock()

	e.notify(ds.kind, r.target, fn.None[uint32](), matches)

	return next, nil
}
