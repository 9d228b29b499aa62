package chainsync

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/blockdn/silentpayments"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultPipelineDepth is the number of batches of one stream that
	// may be in flight at the same time.
	DefaultPipelineDepth = 2

	// DefaultMaxAttempts is the number of times a batch is requested
	// before its stream gives up.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the wait before the first retry of a
	// batch. Every further retry doubles it.
	DefaultInitialBackoff = time.Second

	// DefaultMaxBackoff caps the wait between retries.
	DefaultMaxBackoff = 30 * time.Second

	// DefaultMaxReorgLookback is the deepest the header stream looks back
	// for a fork point when the server's headers do not connect.
	DefaultMaxReorgLookback = 2016

	// DefaultBlockCacheSize is the number of block bytes kept in memory
	// for watch set matching.
	DefaultBlockCacheSize = 16 * 1024 * 1024

	// DefaultPollInterval is the interval at which Follow asks the
	// server for a new tip.
	DefaultPollInterval = 30 * time.Second
)

// Fetcher retrieves raw block-dn responses. Responses are decoded and
// validated by the engine, so an implementation does not need to trust or
// inspect what the server returns.
type Fetcher interface {
	// Status returns the server's view of the chain.
	Status(ctx context.Context) (*dnwire.ServerStatus, error)

	// Headers returns serialized headers starting at height start.
	Headers(ctx context.Context, start uint32) ([]byte, error)

	// Filters returns a serialized filter batch starting at height
	// start.
	Filters(ctx context.Context, start uint32) ([]byte, error)

	// TweakData returns a serialized tweak batch starting at height
	// start.
	TweakData(ctx context.Context, start uint32) ([]byte, error)

	// Block returns the serialized block with the given hash.
	Block(ctx context.Context, hash chainhash.Hash) ([]byte, error)
}

// Config holds the dependencies and tunables of an Engine.
type Config struct {
	// Fetcher talks to the block-dn server.
	Fetcher Fetcher

	// ChainParams are the parameters of the network to sync.
	ChainParams *chaincfg.Params

	// StartHeight is the height the header chain is anchored at when it
	// is empty. Filters and tweaks are synced from here as well.
	StartHeight uint32

	// StartFilterHeader is the filter header of the block below
	// StartHeight. It anchors the filter header chain when syncing does
	// not start at genesis.
	StartFilterHeader fn.Option[chainhash.Hash]

	// HeaderBatchSize is the number of headers the server returns per
	// request. It must match the server to pipeline requests.
	HeaderBatchSize uint32

	// FilterBatchSize is the number of filters the server returns per
	// request.
	FilterBatchSize uint32

	// TweakBatchSize is the number of tweak batches the server returns
	// per request.
	TweakBatchSize uint32

	// DisableFilters turns off the filter stream.
	DisableFilters bool

	// DisableTweaks turns off the tweak stream.
	DisableTweaks bool

	// PipelineDepth bounds the number of in-flight requests per stream.
	PipelineDepth int

	// MaxAttempts is the number of times a batch is requested before
	// its stream halts.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// MaxReorgLookback bounds the search for a fork point.
	MaxReorgLookback uint32

	// FilterCacheSize bounds the bytes of decoded filters kept in
	// memory.
	FilterCacheSize uint64

	// Keys, if set, are used to scan every stored tweak batch for
	// silent payments.
	Keys *silentpayments.Keys

	// OnProgress, if set, is called after every applied batch. It is
	// called while the engine applies data and must not block.
	OnProgress func(Update)

	// Metrics, if set, receives sync metrics.
	Metrics *Metrics

	// Clock drives retry backoff.
	Clock clock.Clock

	// PollInterval is the interval at which Follow polls the server.
	PollInterval time.Duration

	// Ticker, if set, replaces the ticker Follow polls on.
	Ticker ticker.Ticker
}

// validate checks the config and fills in defaults for unset values.
func (c *Config) validate() error {
	switch {
	case c.Fetcher == nil:
		return errors.New("fetcher required")

	case c.ChainParams == nil:
		return errors.New("chain params required")

	case c.PipelineDepth < 0:
		return errors.New("pipeline depth must not be negative")

	case c.MaxAttempts < 0:
		return errors.New("max attempts must not be negative")
	}

	if c.HeaderBatchSize == 0 {
		c.HeaderBatchSize = dnwire.MaxHeadersPerBatch
	}
	if c.FilterBatchSize == 0 {
		c.FilterBatchSize = dnwire.MaxFiltersPerBatch
	}
	if c.TweakBatchSize == 0 {
		c.TweakBatchSize = dnwire.MaxTweakBatchesPerResponse
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = DefaultPipelineDepth
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxReorgLookback == 0 {
		c.MaxReorgLookback = DefaultMaxReorgLookback
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}

	return nil
}
