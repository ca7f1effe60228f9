package client

import (
	"time"
)

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	ttl         time.Duration
	endpointKey string
	useCache    bool
}

// WithCacheTTL overrides the client's default cache TTL for this
// request.
func WithCacheTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) { o.ttl = ttl }
}

// WithEndpointKey attributes the request to a registered endpoint key
// for metrics. Defaults to the domain when unset.
func WithEndpointKey(key string) RequestOption {
	return func(o *requestOptions) { o.endpointKey = key }
}

// WithNoCache bypasses the cache for this request: no lookup, no store.
// Offline mode still consults the cache, since it is the only possible
// source of data there.
func WithNoCache() RequestOption {
	return func(o *requestOptions) { o.useCache = false }
}

func (c *Client) newRequestOptions(domain string, opts []RequestOption) requestOptions {
	o := requestOptions{
		ttl:         c.cfg.DefaultCacheTTL,
		endpointKey: domain,
		useCache:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
