// Package blockdn is an HTTP client for block-dn servers, which serve block
// headers, BIP-158 filters and BIP-352 tweak data in bulk.
package blockdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/blockdn/dnwire"
	"golang.org/x/time/rate"
)

const (
	// BlockDNOrg is the public mainnet block-dn server.
	BlockDNOrg = "https://block-dn.org"

	// TaprootDN is a public block-dn server with silent payment tweak
	// data.
	TaprootDN = "https://taprootdn.xyz"

	// Dev2140 is the block-dn server run by 2140.dev. It also serves fee
	// estimates.
	Dev2140 = "https://2140.dev"

	// maxFeeResponseSize bounds the body read for a fee estimate.
	maxFeeResponseSize = 4096

	// maxResponseSize bounds the body read for a batch response. Filter
	// batches of full blocks are the largest regular responses.
	maxResponseSize = 256 << 20

	// maxBlockSize bounds the body read for a block.
	maxBlockSize = wire.MaxBlockPayload
)

var (
	// ErrNotFound is returned when the server has no data for a request,
	// for example a height above its tip.
	ErrNotFound = errors.New("not found")

	// ErrBadStatus is returned for any other non-200 response.
	ErrBadStatus = errors.New("unexpected response status")

	// ErrResponseTooLarge is returned when a response body exceeds the
	// size any valid response can have.
	ErrResponseTooLarge = errors.New("response too large")
)

// ClientConfig holds the configuration of a Client.
type ClientConfig struct {
	// URL is the base URL of the server, e.g. https://block-dn.org.
	URL string

	// RequestTimeout is the timeout of a single HTTP request.
	RequestTimeout time.Duration

	// MaxRetries is the number of times a request that failed in
	// transport is retried.
	MaxRetries int

	// RequestsPerSecond limits the request rate. Zero means no limit.
	RequestsPerSecond float64
}

// Client talks to a block-dn server. It is safe for concurrent use.
type Client struct {
	cfg *ClientConfig

	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for the server at cfg.URL.
func NewClient(cfg *ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be "+
			"http or https", cfg.URL)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// doRequest performs a GET request, retrying transport failures.
func (c *Client) doRequest(ctx context.Context, path string) (*http.Response,
	error) {

	target := c.baseURL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(
			ctx, http.MethodGet, target, nil,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w",
				err)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.Debugf("Request %s failed (attempt %d): %v", path, i+1, err)

		if i < c.cfg.MaxRetries {
			select {
			case <-time.After(time.Duration(i+1) * 100 *
				time.Millisecond):

			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

// doGet performs a GET request and returns at most limit bytes of the
// response body.
func (c *Client) doGet(ctx context.Context, path string,
	limit int64) ([]byte, error) {

	resp, err := c.doRequest(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)

	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w %d for %s: %s", ErrBadStatus,
			resp.StatusCode, path, snippet(body))

	case int64(len(body)) > limit:
		return nil, fmt.Errorf("%w: %s exceeds %d bytes",
			ErrResponseTooLarge, path, limit)
	}

	log.Tracef("GET %s: %d bytes", path, len(body))

	return body, nil
}

// snippet shortens an error response body for logging.
func snippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}

	return string(body)
}

// IndexHTML returns the landing page of the server.
func (c *Client) IndexHTML(ctx context.Context) (string, error) {
	body, err := c.doGet(ctx, "/", maxResponseSize)
	if err != nil {
		return "", err
	}

	return string(body), nil
}

// Status returns the server's view of the chain.
func (c *Client) Status(ctx context.Context) (*dnwire.ServerStatus, error) {
	body, err := c.doGet(ctx, "/status", maxResponseSize)
	if err != nil {
		return nil, err
	}

	return dnwire.DecodeStatus(body)
}

// Headers returns up to 100,000 serialized headers starting at start.
func (c *Client) Headers(ctx context.Context, start uint32) ([]byte, error) {
	return c.doGet(ctx, fmt.Sprintf("/headers/%d", start), maxResponseSize)
}

// Filters returns a serialized batch of basic filters starting at start.
func (c *Client) Filters(ctx context.Context, start uint32) ([]byte, error) {
	return c.doGet(ctx, fmt.Sprintf("/filters/%d", start), maxResponseSize)
}

// TweakData returns a serialized batch of silent payment tweaks starting at
// start.
func (c *Client) TweakData(ctx context.Context, start uint32) ([]byte,
	error) {

	return c.doGet(
		ctx, fmt.Sprintf("/sp/tweak-data/%d", start), maxResponseSize,
	)
}

// Block returns the serialized block with the given hash.
func (c *Client) Block(ctx context.Context, hash chainhash.Hash) ([]byte,
	error) {

	return c.doGet(ctx, "/block/"+hash.String(), maxBlockSize)
}

// HeaderList fetches and decodes the headers starting at start.
func (c *Client) HeaderList(ctx context.Context,
	start uint32) ([]dnwire.BlockHeader, error) {

	b, err := c.Headers(ctx, start)
	if err != nil {
		return nil, err
	}

	return dnwire.DecodeHeaders(start, b)
}

// EstimateSmartFee returns the server's fee estimate for confirmation within
// target blocks.
func (c *Client) EstimateSmartFee(ctx context.Context,
	target uint32) (*dnwire.FeeEstimate, error) {

	if target == 0 {
		return nil, errors.New("confirmation target must be positive")
	}

	body, err := c.doGet(
		ctx, fmt.Sprintf("/fee-estimate/%d", target),
		maxFeeResponseSize,
	)
	if err != nil {
		return nil, err
	}

	return dnwire.DecodeFeeEstimate(body)
}
