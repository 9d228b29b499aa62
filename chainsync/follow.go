package chainsync

import (
	"context"

	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/blockdn/headerchain"
	"github.com/lightningnetwork/lnd/ticker"
)

// Follow keeps the engine in sync with the server until ctx is done. On
// every tick of the poll ticker the server status is fetched and every
// stream is advanced to the height all enabled streams can reach. Exhausted
// streams are retried on the next tick. Follow returns on invalid server
// data or when ctx is done.
func (e *Engine) Follow(ctx context.Context) error {
	t := e.cfg.Ticker
	if t == nil {
		t = ticker.New(e.cfg.PollInterval)
	}
	t.Resume()
	defer t.Stop()

	for {
		err := e.followOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()

		case haltsAll(err):
			return err

		case err != nil:
			log.Warnf("Unable to follow server: %v", err)
		}

		select {
		case <-t.Ticks():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CatchUp fetches the server status and advances every enabled stream to the
// height all of them can reach on the server.
func (e *Engine) CatchUp(ctx context.Context) (*Progress, error) {
	status, err := e.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}

	target := e.followTarget(status)
	if c := e.Cursor(); c.NextHeader > target &&
		(e.cfg.DisableFilters || c.NextFilter > target) &&
		(e.cfg.DisableTweaks || c.NextTweak > target) {

		return e.progress(target), nil
	}

	return e.AdvanceTo(ctx, target)
}

func (e *Engine) followOnce(ctx context.Context) error {
	progress, err := e.CatchUp(ctx)
	if err != nil {
		return err
	}

	progress.Tip.WhenSome(func(tip headerchain.BlockStamp) {
		log.Infof("Synced to %v@%d", tip.Hash, tip.Height)
	})

	return nil
}

// followTarget is the highest height the server has data for on every
// enabled stream.
func (e *Engine) followTarget(status *dnwire.ServerStatus) uint32 {
	target := status.BestBlockHeight
	if !e.cfg.DisableFilters && status.BestFilterHeight < target {
		target = status.BestFilterHeight
	}
	if !e.cfg.DisableTweaks && status.BestSPTweakHeight < target {
		target = status.BestSPTweakHeight
	}

	return target
}
