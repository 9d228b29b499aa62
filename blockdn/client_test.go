package blockdn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/blockdn/chainsync"
	"github.com/lightningnetwork/blockdn/dnwire"
	"github.com/lightningnetwork/blockdn/internal/testchain"
	"github.com/stretchr/testify/require"
)

var _ chainsync.Fetcher = (*Client)(nil)

const testStatus = `{
	"chain_genesis_hash": "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
	"chain_name": "mainnet",
	"best_block_height": 700010,
	"best_block_hash": "00000000000000000000000000000000000000000000000000000000000000aa",
	"best_filter_header": "00000000000000000000000000000000000000000000000000000000000000bb",
	"best_filter_height": 700010,
	"best_sptweak_height": 700005,
	"all_files_synced": true,
	"entries_per_header_file": 100000,
	"entries_per_filter_file": 2000,
	"entries_per_sptweak_file": 2000
}`

func newTestClient(t *testing.T, handler http.Handler,
	retries int) *Client {

	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(&ClientConfig{
		URL:            srv.URL + "/",
		RequestTimeout: 5 * time.Second,
		MaxRetries:     retries,
	})
	require.NoError(t, err)

	return client
}

// TestClientRoutes checks that every fetch hits its route and returns the
// served body.
func TestClientRoutes(t *testing.T) {
	t.Parallel()

	headers := testchain.Headers(t, chainhash.Hash{}, 700_000, 3, 0)
	rawHeaders, err := dnwire.EncodeHeaders(headers)
	require.NoError(t, err)

	block, _ := testchain.Block(t, headers[2].Hash, 700_003, 0)
	rawBlock, err := dnwire.EncodeBlock(block)
	require.NoError(t, err)
	blockHash := block.BlockHash()

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(testStatus))
	})
	mux.HandleFunc("/headers/700000", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = w.Write(rawHeaders)
	})
	mux.HandleFunc("/filters/700000", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = w.Write([]byte("filters"))
	})
	mux.HandleFunc("/sp/tweak-data/700000", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = w.Write([]byte("tweaks"))
	})
	mux.HandleFunc("/block/"+blockHash.String(), func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = w.Write(rawBlock)
	})
	mux.HandleFunc("/fee-estimate/6", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = w.Write([]byte(`{"feerate": 0.00002, "blocks": 6}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<html>block-dn</html>"))
	})

	client := newTestClient(t, mux, 0)
	ctx := context.Background()

	index, err := client.IndexHTML(ctx)
	require.NoError(t, err)
	require.Contains(t, index, "block-dn")

	status, err := client.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "mainnet", status.ChainName)
	require.EqualValues(t, 700_010, status.BestBlockHeight)
	require.EqualValues(t, 700_005, status.BestSPTweakHeight)

	list, err := client.HeaderList(ctx, 700_000)
	require.NoError(t, err)
	require.Equal(t, headers, list)

	body, err := client.Filters(ctx, 700_000)
	require.NoError(t, err)
	require.Equal(t, []byte("filters"), body)

	body, err = client.TweakData(ctx, 700_000)
	require.NoError(t, err)
	require.Equal(t, []byte("tweaks"), body)

	body, err = client.Block(ctx, blockHash)
	require.NoError(t, err)
	decoded, err := dnwire.DecodeBlock(body)
	require.NoError(t, err)
	require.Equal(t, blockHash, decoded.BlockHash())

	fee, err := client.EstimateSmartFee(ctx, 6)
	require.NoError(t, err)
	require.EqualValues(t, 6, fee.Blocks)
	rate, err := fee.SatPerKVByte()
	require.NoError(t, err)
	require.EqualValues(t, 2000, rate)

	_, err = client.EstimateSmartFee(ctx, 0)
	require.Error(t, err)

	_, err = client.EstimateSmartFee(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.Headers(ctx, 800_000)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestClientStatusErrors maps server errors to sentinels.
func TestClientStatusErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		},
	), 2)

	_, err := client.Headers(context.Background(), 0)
	require.ErrorIs(t, err, ErrBadStatus)
	require.Contains(t, err.Error(), "overloaded")

	// An answer from the server is not retried by the client.
	require.EqualValues(t, 1, calls.Load())

	// Neither is a body that does not decode.
	bad := newTestClient(t, http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("{"))
		},
	), 0)
	_, err = bad.Status(context.Background())
	require.ErrorIs(t, err, dnwire.ErrInvalidField)
}

// TestClientContext stops a request when its context is canceled.
func TestClientContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	client := newTestClient(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	), 3)

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err := client.Status(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestClientRateLimit spaces requests by the configured rate.
func TestClientRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(testStatus))
		},
	))
	t.Cleanup(srv.Close)

	client, err := NewClient(&ClientConfig{
		URL:               srv.URL,
		RequestTimeout:    time.Second,
		RequestsPerSecond: 20,
	})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Status(context.Background())
		require.NoError(t, err)
	}

	// The first request uses the burst, the other two wait 50ms each.
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

// TestNewClient rejects unusable URLs.
func TestNewClient(t *testing.T) {
	t.Parallel()

	_, err := NewClient(&ClientConfig{URL: "ftp://block-dn.org"})
	require.Error(t, err)

	_, err = NewClient(&ClientConfig{URL: "://"})
	require.Error(t, err)

	client, err := NewClient(DefaultConfig().ClientConfig())
	require.NoError(t, err)
	require.Equal(t, BlockDNOrg, client.baseURL)
}
