package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a cached upstream response.
type Key struct {
	// Domain is the upstream service family (e.g., "pubmed", "myvariant").
	Domain string

	// URL is the request URL without query parameters.
	URL string

	// Params are the query parameters of the request.
	Params url.Values
}

// String renders a deterministic cache key string.
// Format: domain:url:param1=val1:param2=val2
//
// Parameters are sorted by name, and values within a multi-valued
// parameter are sorted as well, so logically identical requests always
// render identically regardless of insertion order.
func (k Key) String() string {
	parts := []string{k.Domain, strings.TrimSuffix(k.URL, "/")}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			values := append([]string(nil), k.Params[name]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", name, strings.Join(values, ",")))
		}
	}

	return strings.Join(parts, ":")
}

// Digest returns a fixed-width xxhash64 digest of the rendered key.
// Stores index by digest so arbitrarily long URLs and parameter lists do
// not inflate map keys or Redis keys.
func (k Key) Digest() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(k.String()))
}
