package cfilter

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// mockHeaders is a HeaderSource backed by a map.
type mockHeaders map[uint32]chainhash.Hash

func (m mockHeaders) HashAt(height uint32) (chainhash.Hash, error) {
	hash, ok := m[height]
	if !ok {
		return chainhash.Hash{}, errors.New("unknown height")
	}

	return hash, nil
}

func blockHash(height uint32) chainhash.Hash {
	return chainhash.DoubleHashH([]byte{
		byte(height), byte(height >> 8), byte(height >> 16),
	})
}

func newTestStore(t *testing.T, from, to uint32) *Store {
	t.Helper()

	headers := make(mockHeaders)
	for h := from; h <= to; h++ {
		headers[h] = blockHash(h)
	}

	store, err := New(&Config{Headers: headers})
	require.NoError(t, err)

	return store
}

// buildFilter builds the basic filter of a block holding scripts.
func buildFilter(t require.TestingT, height uint32,
	scripts [][]byte) dnwire.CompactFilter {

	hash := blockHash(height)
	filter, err := builder.WithKeyHash(&hash).AddEntries(scripts).Build()
	require.NoError(t, err)

	data, err := filter.NBytes()
	require.NoError(t, err)

	return dnwire.CompactFilter{
		Height:    height,
		BlockHash: hash,
		Data:      data,
	}
}

func testScripts(n int, tag byte) [][]byte {
	scripts := make([][]byte, n)
	for i := range scripts {
		script := make([]byte, 34)
		script[0], script[1] = 0x51, 0x20
		script[2], script[3] = tag, byte(i)
		scripts[i] = script
	}

	return scripts
}

// TestMatchesNoFalseNegatives asserts that every script a filter was built
// from matches it, alone or together with other scripts.
func TestMatchesNoFalseNegatives(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0, 1000)

	rapid.Check(t, func(t *rapid.T) {
		height := rapid.Uint32Range(0, 1000).Draw(t, "height")
		scripts := rapid.SliceOfN(
			rapid.SliceOfN(rapid.Byte(), 1, 40), 1, 30,
		).Draw(t, "scripts")

		f := buildFilter(t, height, scripts)
		store.Evict(height)
		require.NoError(t, store.Store(f))

		for _, script := range scripts {
			ok, err := store.Matches(height, [][]byte{script})
			require.NoError(t, err)
			require.True(t, ok)
		}

		query := append(testScripts(5, 0xee), scripts[0])
		ok, err := store.Matches(height, query)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

// TestMatches covers misses, empty filters and empty queries.
func TestMatches(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 700_000, 700_001)
	watched := testScripts(3, 0x01)

	require.NoError(t, store.Store(buildFilter(t, 700_000, watched)))

	ok, err := store.Matches(700_000, watched[1:2])
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Matches(700_000, testScripts(3, 0x02))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Matches(700_000, nil)
	require.NoError(t, err)
	require.False(t, ok)

	// A block without any filter elements never matches.
	empty := dnwire.CompactFilter{
		Height:    700_001,
		BlockHash: blockHash(700_001),
		Data:      []byte{0x00},
	}
	require.NoError(t, store.Store(empty))

	ok, err = store.Matches(700_001, watched)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.Matches(700_002, watched)
	require.ErrorIs(t, err, ErrFilterNotFound)
}

// TestStoreRejects checks the rejection reasons of Store.
func TestStoreRejects(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 700_000, 700_001)
	scripts := testScripts(2, 0x01)

	// A filter for the right height but another block is unknown.
	f := buildFilter(t, 700_000, scripts)
	f.BlockHash = blockHash(1)
	require.ErrorIs(t, store.Store(f), ErrUnknownBlock)

	// So is a filter above the header chain.
	require.ErrorIs(
		t, store.Store(buildFilter(t, 700_002, scripts)),
		ErrUnknownBlock,
	)

	// Data that is not a filter.
	bad := buildFilter(t, 700_000, scripts)
	bad.Data = nil
	require.ErrorIs(t, store.Store(bad), ErrInvalidFilter)

	// Identical filters are accepted again, different ones are not.
	good := buildFilter(t, 700_000, scripts)
	require.NoError(t, store.Store(good))
	require.NoError(t, store.Store(good))

	other := buildFilter(t, 700_000, testScripts(2, 0x02))
	require.ErrorIs(t, store.Store(other), ErrFilterConflict)

	require.False(t, store.Has(700_001))
}

// TestEvict removes filters at and above the eviction height.
func TestEvict(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0, 9)
	for h := uint32(0); h < 10; h++ {
		f := buildFilter(t, h, testScripts(2, byte(h)))
		require.NoError(t, store.Store(f))
	}

	store.Evict(5)

	for h := uint32(0); h < 10; h++ {
		require.Equal(t, h < 5, store.Has(h))

		_, err := store.FilterHeader(h)
		if h < 5 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrFilterNotFound)
		}
	}

	// Evicted heights can be stored again.
	require.NoError(t, store.Store(buildFilter(t, 5, testScripts(1, 9))))

	f, err := store.Filter(5)
	require.NoError(t, err)
	require.Equal(t, blockHash(5), f.BlockHash)
}

// TestFilterHeaders checks the BIP-157 filter header chain from genesis and
// from an anchor.
func TestFilterHeaders(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0, 3)

	var prev chainhash.Hash
	for h := uint32(0); h <= 3; h++ {
		f := buildFilter(t, h, testScripts(3, byte(h)))
		require.NoError(t, store.Store(f))

		filter, err := decode(f.Data)
		require.NoError(t, err)
		expected, err := builder.MakeHeaderForFilter(filter, prev)
		require.NoError(t, err)

		header, err := store.FilterHeader(h)
		require.NoError(t, err)
		require.Equal(t, expected, header)

		prev = expected
	}

	// Without an anchor a chain starting above genesis has no headers.
	anchored := newTestStore(t, 100, 101)
	f := buildFilter(t, 100, testScripts(1, 0))
	require.NoError(t, anchored.Store(f))
	_, err := anchored.FilterHeader(100)
	require.ErrorIs(t, err, ErrFilterNotFound)

	anchored.Evict(100)
	anchored.SetHeaderAnchor(100, prev)
	require.NoError(t, anchored.Store(f))
	require.NoError(t, anchored.Store(buildFilter(t, 101, nil)))

	filter, err := decode(f.Data)
	require.NoError(t, err)
	expected, err := builder.MakeHeaderForFilter(filter, prev)
	require.NoError(t, err)

	header, err := anchored.FilterHeader(100)
	require.NoError(t, err)
	require.Equal(t, expected, header)

	_, err = anchored.FilterHeader(101)
	require.NoError(t, err)
}

// TestStoreBatchAtomic checks that a batch with one bad filter stores
// nothing, and that filter headers chain through a batch.
func TestStoreBatchAtomic(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0, 2)

	batch := []dnwire.CompactFilter{
		buildFilter(t, 0, testScripts(1, 0)),
		buildFilter(t, 1, testScripts(1, 1)),
		buildFilter(t, 2, testScripts(1, 2)),
	}
	batch[2].Data = nil
	require.ErrorIs(t, store.StoreBatch(batch), ErrInvalidFilter)
	for h := uint32(0); h <= 2; h++ {
		require.False(t, store.Has(h))
	}

	batch[2] = buildFilter(t, 2, testScripts(1, 2))
	require.NoError(t, store.StoreBatch(batch))

	header, err := store.FilterHeader(2)
	require.NoError(t, err)
	require.NotEqual(t, chainhash.Hash{}, header)
}

// TestStaleFiltersHidden checks that a filter whose block left the active
// branch is not served, even before it is evicted.
func TestStaleFiltersHidden(t *testing.T) {
	t.Parallel()

	headers := mockHeaders{0: blockHash(0), 1: blockHash(1)}
	store, err := New(&Config{Headers: headers})
	require.NoError(t, err)

	watched := testScripts(2, 0x01)
	require.NoError(t, store.Store(buildFilter(t, 0, nil)))
	require.NoError(t, store.Store(buildFilter(t, 1, watched)))

	ok, err := store.Matches(1, watched)
	require.NoError(t, err)
	require.True(t, ok)

	// The chain switches to another block at height 1.
	headers[1] = chainhash.Hash{0xaa}

	require.False(t, store.Has(1))
	_, err = store.Matches(1, watched)
	require.ErrorIs(t, err, ErrFilterNotFound)
	_, err = store.Filter(1)
	require.ErrorIs(t, err, ErrFilterNotFound)
	_, err = store.FilterHeader(1)
	require.ErrorIs(t, err, ErrFilterNotFound)

	// Height 0 is unaffected.
	require.True(t, store.Has(0))
	_, err = store.FilterHeader(0)
	require.NoError(t, err)
}

// TestBasicFilterVector checks the store against the BIP-158 vector of the
// testnet3 genesis block.
func TestBasicFilterVector(t *testing.T) {
	t.Parallel()

	const (
		genesisHash = "000000000933ea01ad0ee984209779baaec3ced90fa3f408" +
			"719526f8d77f4943"
		basicFilter  = "019dfca8"
		filterHeader = "21584579b7eb08997773e5aeff3a7f932700042d0ed2a6" +
			"129012b7d7ae81b750"
	)

	genesis := chaincfg.TestNet3Params.GenesisBlock
	hash := genesis.BlockHash()
	require.Equal(t, genesisHash, hash.String())

	data, err := hex.DecodeString(basicFilter)
	require.NoError(t, err)

	built, err := builder.BuildBasicFilter(genesis, nil)
	require.NoError(t, err)
	builtData, err := built.NBytes()
	require.NoError(t, err)
	require.Equal(t, data, builtData)

	store, err := New(&Config{Headers: mockHeaders{0: hash}})
	require.NoError(t, err)
	require.NoError(t, store.Store(dnwire.CompactFilter{
		Height:    0,
		BlockHash: hash,
		Data:      data,
	}))

	coinbase := genesis.Transactions[0].TxOut[0].PkScript
	ok, err := store.Matches(0, [][]byte{coinbase})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Matches(0, testScripts(1, 0x01))
	require.NoError(t, err)
	require.False(t, ok)

	expected, err := chainhash.NewHashFromStr(filterHeader)
	require.NoError(t, err)

	header, err := store.FilterHeader(0)
	require.NoError(t, err)
	require.Equal(t, *expected, header)
}
