package chainsync

import (
	"context"
	"sync"
	"time"
)

// fetchFunc requests and decodes the batch starting at height start.
type fetchFunc[T any] func(ctx context.Context, start uint32) ([]T, error)

// result is the outcome of fetching one batch, after retries.
type result[T any] struct {
	items []T
	err   error
}

// slot is one in-flight batch request.
type slot[T any] struct {
	start  uint32
	gen    uint64
	cancel context.CancelFunc
	done   chan result[T]
}

// pipeline keeps up to depth requests of one stream in flight and hands
// out their results in the order they were launched.
type pipeline[T any] struct {
	e     *Engine
	kind  StreamKind
	size  uint32
	fetch fetchFunc[T]

	slots []*slot[T]
	wg    sync.WaitGroup
}

func newPipeline[T any](e *Engine, kind StreamKind, size uint32,
	fetch fetchFunc[T]) *pipeline[T] {

	return &pipeline[T]{
		e:     e,
		kind:  kind,
		size:  size,
		fetch: fetch,
	}
}

// full reports whether no further request may be launched.
func (p *pipeline[T]) full() bool {
	return len(p.slots) >= p.e.cfg.PipelineDepth
}

// empty reports whether no request is in flight.
func (p *pipeline[T]) empty() bool {
	return len(p.slots) == 0
}

// launch starts fetching the batch at start, tagged with the reorg
// generation it was requested under.
func (p *pipeline[T]) launch(ctx context.Context, start uint32, gen uint64) {
	ctx, cancel := context.WithCancel(ctx)
	s := &slot[T]{
		start:  start,
		gen:    gen,
		cancel: cancel,
		done:   make(chan result[T], 1),
	}
	p.slots = append(p.slots, s)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		items, err := retry(ctx, p.e, p.kind, start, p.size, p.fetch)
		s.done <- result[T]{items: items, err: err}
	}()
}

// next waits for the oldest in-flight request and removes it from the
// pipeline.
func (p *pipeline[T]) next(ctx context.Context) (*slot[T], result[T],
	error) {

	head := p.slots[0]

	select {
	case res := <-head.done:
		head.cancel()
		p.slots = p.slots[1:]

		return head, res, nil

	case <-ctx.Done():
		return nil, result[T]{}, ctx.Err()
	}
}

// reset abandons every in-flight request.
func (p *pipeline[T]) reset() {
	for _, s := range p.slots {
		s.cancel()
	}
	p.slots = nil
}

// close abandons every in-flight request and waits for them to return.
func (p *pipeline[T]) close() {
	p.reset()
	p.wg.Wait()
}

// retry fetches one batch, retrying transient failures with exponential
// backoff. Once every attempt failed it returns a SyncError of kind
// Exhausted.
func retry[T any](ctx context.Context, e *Engine, kind StreamKind,
	start, size uint32, fetch fetchFunc[T]) ([]T, error) {

	var (
		backoff = e.cfg.InitialBackoff
		lastErr error
	)
	for attempt := 1; ; attempt++ {
		items, err := fetch(ctx, start)
		if err == nil {
			return items, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err

		if attempt >= e.cfg.MaxAttempts {
			break
		}

		log.Debugf("Attempt %d of %v batch at %d failed, retrying "+
			"in %v: %v", attempt, kind, start, backoff, err)
		e.cfg.Metrics.retried(kind)

		select {
		case <-e.cfg.Clock.TickAfter(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		backoff = nextBackoff(backoff, e.cfg.MaxBackoff)
	}

	log.Warnf("Giving up on %v batch at %d after %d attempts: %v", kind,
		start, e.cfg.MaxAttempts, lastErr)
	e.cfg.Metrics.exhausted(kind)

	return nil, &SyncError{
		Kind:   Exhausted,
		Stream: kind,
		Range:  batchRange(start, size),
		Err:    lastErr,
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit || next <= 0 {
		return limit
	}

	return next
}

// batchRange is the range a full batch starting at start covers.
func batchRange(start, size uint32) HeightRange {
	end := uint64(start) + uint64(size) - 1
	if size == 0 || end > uint64(^uint32(0)) {
		end = uint64(^uint32(0))
	}

	return HeightRange{Start: start, End: uint32(end)}
}
