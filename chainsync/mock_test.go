package chainsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/blockdn/internal/testchain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const startHeight = 700_000

var errUnavailable = errors.New("not available")

// mineBlocks mines n blocks on top of prev, the first at height. Blocks
// listed in txs get those transactions.
func mineBlocks(t *testing.T, prev chainhash.Hash, height uint32, n int,
	salt uint32, txs map[uint32][]*wire.MsgTx) []*wire.MsgBlock {

	t.Helper()

	blocks := make([]*wire.MsgBlock, 0, n)
	for i := 0; i < n; i++ {
		h := height + uint32(i)
		block, header := testchain.Block(t, prev, h, salt, txs[h]...)
		blocks = append(blocks, block)
		prev = header.Hash
	}

	return blocks
}

type requestKey struct {
	kind  StreamKind
	start uint32
}

// mockServer is a Fetcher serving a chain of blocks the way a block-dn
// server does.
type mockServer struct {
	mu sync.Mutex

	base   uint32
	blocks []*wire.MsgBlock
	tweaks map[chainhash.Hash][]dnwire.TweakEntry

	headerSize uint32
	filterSize uint32
	tweakSize  uint32

	genesis chainhash.Hash

	// filterAnchor, if set, makes the status advertise the filter header
	// of the tip, computed from this anchor.
	filterAnchor    fn.Option[chainhash.Hash]
	badFilterHeader bool

	// tweakLag is how far the advertised tweak height trails the tip.
	tweakLag uint32

	failures map[requestKey]int
	requests map[requestKey]int

	filterHook func([]dnwire.CompactFilter)
	blockHook  func(*wire.MsgBlock) *wire.MsgBlock
}

func newMockServer(blocks []*wire.MsgBlock) *mockServer {
	return &mockServer{
		base:       startHeight,
		blocks:     blocks,
		tweaks:     make(map[chainhash.Hash][]dnwire.TweakEntry),
		headerSize: 30,
		filterSize: 20,
		tweakSize:  25,
		genesis:    *testchain.Params.GenesisHash,
		failures:   make(map[requestKey]int),
		requests:   make(map[requestKey]int),
	}
}

func (m *mockServer) setBlocks(blocks []*wire.MsgBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks = blocks
}

// fail makes the next n requests of kind at start fail.
func (m *mockServer) fail(kind StreamKind, start uint32, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures[requestKey{kind, start}] = n
}

func (m *mockServer) requestsAt(kind StreamKind, start uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests[requestKey{kind, start}]
}

func (m *mockServer) requestCount(kind StreamKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for key, count := range m.requests {
		if key.kind == kind {
			n += count
		}
	}

	return n
}

func (m *mockServer) serveLocked(kind StreamKind, start uint32) error {
	key := requestKey{kind, start}
	m.requests[key]++

	if m.failures[key] > 0 {
		m.failures[key]--
		return errUnavailable
	}

	return nil
}

func (m *mockServer) rangeLocked(start, size uint32) ([]*wire.MsgBlock,
	error) {

	if start < m.base || start-m.base >= uint32(len(m.blocks)) {
		return nil, errUnavailable
	}

	lo := int(start - m.base)
	hi := lo + int(size)
	if hi > len(m.blocks) {
		hi = len(m.blocks)
	}

	return m.blocks[lo:hi], nil
}

func basicFilter(block *wire.MsgBlock) ([]byte, error) {
	filter, err := builder.BuildBasicFilter(block, nil)
	if err != nil {
		return nil, err
	}

	return filter.NBytes()
}

func (m *mockServer) Status(context.Context) (*dnwire.ServerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.serveLocked(StreamStatus, 0); err != nil {
		return nil, err
	}

	tip := m.base + uint32(len(m.blocks)) - 1
	status := &dnwire.ServerStatus{
		ChainGenesisHash:  m.genesis.String(),
		ChainName:         "regtest",
		BestBlockHeight:   tip,
		BestBlockHash:     m.blocks[len(m.blocks)-1].BlockHash().String(),
		BestFilterHeight:  tip,
		BestSPTweakHeight: tip - m.tweakLag,
		AllFilesSynced:    true,
	}

	var err error
	m.filterAnchor.WhenSome(func(prev chainhash.Hash) {
		for _, block := range m.blocks {
			filter, buildErr := builder.BuildBasicFilter(block, nil)
			if buildErr != nil {
				err = buildErr
				return
			}

			prev, err = builder.MakeHeaderForFilter(filter, prev)
			if err != nil {
				return
			}
		}
		if m.badFilterHeader {
			prev[0] ^= 0x01
		}
		status.BestFilterHeader = prev.String()
	})

	return status, err
}

func (m *mockServer) Headers(_ context.Context, start uint32) ([]byte,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.serveLocked(StreamHeaders, start); err != nil {
		return nil, err
	}

	blocks, err := m.rangeLocked(start, m.headerSize)
	if err != nil {
		return nil, err
	}

	headers := make([]dnwire.BlockHeader, 0, len(blocks))
	for i, block := range blocks {
		headers = append(headers, dnwire.NewBlockHeader(
			start+uint32(i), &block.Header,
		))
	}

	return dnwire.EncodeHeaders(headers)
}

func (m *mockServer) Filters(_ context.Context, start uint32) ([]byte,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.serveLocked(StreamFilters, start); err != nil {
		return nil, err
	}

	blocks, err := m.rangeLocked(start, m.filterSize)
	if err != nil {
		return nil, err
	}

	filters := make([]dnwire.CompactFilter, 0, len(blocks))
	for i, block := range blocks {
		data, err := basicFilter(block)
		if err != nil {
			return nil, err
		}

		filters = append(filters, dnwire.CompactFilter{
			Height:    start + uint32(i),
			BlockHash: block.BlockHash(),
			Data:      data,
		})
	}

	if m.filterHook != nil {
		m.filterHook(filters)
	}

	return dnwire.EncodeFilters(filters)
}

func (m *mockServer) TweakData(_ context.Context, start uint32) ([]byte,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.serveLocked(StreamTweaks, start); err != nil {
		return nil, err
	}

	blocks, err := m.rangeLocked(start, m.tweakSize)
	if err != nil {
		return nil, err
	}

	batches := make([]dnwire.TweakBatch, 0, len(blocks))
	for i, block := range blocks {
		hash := block.BlockHash()
		batches = append(batches, dnwire.TweakBatch{
			Height:    start + uint32(i),
			BlockHash: hash,
			Entries:   m.tweaks[hash],
		})
	}

	return dnwire.EncodeTweakBatches(batches)
}

func (m *mockServer) Block(_ context.Context, hash chainhash.Hash) ([]byte,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, block := range m.blocks {
		if block.BlockHash() != hash {
			continue
		}

		if err := m.serveLocked(
			StreamBlocks, m.base+uint32(i),
		); err != nil {
			return nil, err
		}

		if m.blockHook != nil {
			block = m.blockHook(block)
		}

		return dnwire.EncodeBlock(block)
	}

	return nil, errUnavailable
}
