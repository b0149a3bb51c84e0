package client

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// NewCachingHTTPClient creates an HTTP client whose transport stores GET
// responses and revalidates them with If-None-Match. The API stamps ETags
// on its read endpoints, so an unchanged poll costs a 304, not a body.
func NewCachingHTTPClient(cacheDir string) *http.Client {
	if cacheDir == "" {
		// Use in-memory cache if no cache directory specified
		return &http.Client{
			Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
		}
	}

	// Use disk-based cache for persistence across restarts
	cache := diskcache.New(cacheDir)
	transport := httpcache.NewTransport(cache)

	return &http.Client{
		Transport: transport,
	}
}
