package httpcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/readwatch/offline-cache/internal/cache"
)

// HTTPCache stores whole HTTP responses in a cache generation
type HTTPCache struct {
	cache cache.GenericCache
}

func NewHTTP(cache cache.GenericCache) *HTTPCache {
	return &HTTPCache{
		cache: cache,
	}
}

// GenerateKey builds a unique key for a request, based on its method and URL.
// The key is scheme/host/METHOD_p<pathhash>[_q<queryhash>].bin: the escaped
// path is hashed as received so that every distinct URL gets its own entry
// and no key is a directory prefix of another.
func GenerateKey(request *http.Request) (string, error) {
	if request.URL == nil {
		return "", fmt.Errorf("request has no URL")
	}

	scheme := strings.ToLower(request.URL.Scheme)
	if scheme == "" {
		scheme = "http"
		if request.TLS != nil {
			scheme = "https"
		}
	}

	host := request.URL.Host
	if host == "" {
		host = request.Host
	}
	host = strings.ToLower(host)
	switch scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	if host == "" {
		return "", fmt.Errorf("request %s has no host", request.URL)
	}

	escapedPath := request.URL.EscapedPath()
	if escapedPath == "" {
		escapedPath = "/"
	}

	filename := request.Method + "_p" + shortHash(escapedPath, 16)
	if request.URL.RawQuery != "" {
		filename += "_q" + shortHash(request.URL.RawQuery, 8)
	}
	filename += ".bin"

	return filepath.Join(scheme, strings.ReplaceAll(host, ":", "_"), filename), nil
}

func shortHash(s string, n int) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])[:n]
}

func (d *HTTPCache) SetReq(ctx context.Context, request *http.Request, resp *http.Response) error {
	cacheKey, err := GenerateKey(request)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	return d.SetKey(ctx, cacheKey, resp)
}

func (d *HTTPCache) SetKey(ctx context.Context, requestKey string, resp *http.Response) error {
	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := d.cache.Set(ctx, requestKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// GetReq returns the cached response for the request, or nil on a miss
func (d *HTTPCache) GetReq(ctx context.Context, req *http.Request) (*http.Response, error) {
	requestKey, err := GenerateKey(req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	resp, err := d.GetKey(ctx, requestKey)
	if err != nil {
		return nil, err
	}
	// Handle no cache hit
	if resp == nil {
		return nil, nil
	}

	// Associate the original request with the response
	resp.Request = req
	return resp, nil
}

func (d *HTTPCache) GetKey(ctx context.Context, requestKey string) (*http.Response, error) {
	data, err := d.cache.Get(ctx, requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	return resp, nil
}
