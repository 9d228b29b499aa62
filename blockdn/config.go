package blockdn

import "time"

const (
	// DefaultRequestTimeout is the default timeout of a single HTTP
	// request. Batch responses can be tens of megabytes.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of times a request that
	// failed in transport is retried.
	DefaultMaxRetries = 2

	// DefaultRequestsPerSecond is the default request rate limit.
	DefaultRequestsPerSecond = 10
)

// Config holds the configuration options for the connection to a block-dn
// server.
//
//nolint:ll
type Config struct {
	// URL is the base URL of the block-dn server.
	// Examples:
	//   - https://block-dn.org
	//   - https://taprootdn.xyz (with silent payment tweak data)
	//   - http://localhost:8080 (local block-dn)
	URL string `long:"url" description:"The base URL of the block-dn server"`

	// RequestTimeout is the timeout of a single HTTP request.
	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for HTTP requests to the block-dn server."`

	// MaxRetries is the number of times a request failing in transport is
	// retried within one fetch.
	MaxRetries int `long:"maxretries" description:"Maximum number of times to retry a request that failed in transport."`

	// RequestsPerSecond limits the request rate to the server.
	RequestsPerSecond float64 `long:"requestspersecond" description:"Maximum number of requests per second, 0 means unlimited."`
}

// DefaultConfig returns a new block-dn config with default values populated.
func DefaultConfig() *Config {
	return &Config{
		URL:               BlockDNOrg,
		RequestTimeout:    DefaultRequestTimeout,
		MaxRetries:        DefaultMaxRetries,
		RequestsPerSecond: DefaultRequestsPerSecond,
	}
}

// ClientConfig returns the client configuration for these options.
func (c *Config) ClientConfig() *ClientConfig {
	return &ClientConfig{
		URL:               c.URL,
		RequestTimeout:    c.RequestTimeout,
		MaxRetries:        c.MaxRetries,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}
