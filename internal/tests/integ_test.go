package tests

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readwatch/offline-cache/internal/cache/httpcache"
	"github.com/readwatch/offline-cache/internal/config"
)

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func navigate(t *testing.T, client *http.Client, target string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestOfflineIntegration(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	tempDir := t.TempDir()
	cfg := fixture_config(upstream.URL, tempDir, config.BackendDisk)

	proxyServer, proxyTestServer, client, err := fixture_proxy(cfg)
	require.NoError(t, err, "Failed to create proxy server")
	defer proxyTestServer.Close()
	defer func() { _ = proxyServer.Close() }()

	require.NoError(t, proxyServer.Install(context.Background()))

	generationDir := filepath.Join(tempDir, "readwatch-v1")
	entryPath := func(t *testing.T, target string) string {
		req, err := http.NewRequest(http.MethodGet, target, nil)
		require.NoError(t, err)
		key, err := httpcache.GenerateKey(req)
		require.NoError(t, err)
		return filepath.Join(generationDir, key)
	}

	t.Run("install seeds the shell and the profile page", func(t *testing.T) {
		for _, target := range []string{upstream.URL + "/", upstream.URL + "/profile"} {
			_, err := os.Stat(entryPath(t, target))
			assert.NoError(t, err, "Seed should be cached for %s", target)
		}
	})

	t.Run("online requests come from the network", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/profile")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
		assert.Equal(t, "<html>profile</html>", readBody(t, resp))
	})

	t.Run("api calls pass through", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/api/list")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("X-Cache"))
		assert.Equal(t, `{"entries": []}`, readBody(t, resp))

		_, err = os.Stat(entryPath(t, upstream.URL+"/api/list"))
		assert.True(t, os.IsNotExist(err), "API responses should never be cached")
	})

	proxyServer.Registration().Wait()
	upstream.Close()

	t.Run("offline profile is served from cache", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/profile")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
		assert.Equal(t, "<html>profile</html>", readBody(t, resp))
	})

	t.Run("offline navigation falls back to the shell", func(t *testing.T) {
		resp := navigate(t, client, upstream.URL+"/watchlist/42")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "<html>shell</html>", readBody(t, resp))
	})

	t.Run("offline uncached sub-resource gets 503", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/style.css")
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "Offline", readBody(t, resp))
	})

	t.Run("offline mutation surfaces the network error", func(t *testing.T) {
		resp, err := client.Post(upstream.URL+"/api/add", "application/json", strings.NewReader(`{"title":"Dune"}`))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, resp.StatusCode, http.StatusInternalServerError)
		_ = readBody(t, resp)
	})
}

func TestUpgradeIntegration(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	tempDir := t.TempDir()
	cfg := fixture_config(upstream.URL, tempDir, config.BackendDisk)

	proxyServer, proxyTestServer, _, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()
	defer func() { _ = proxyServer.Close() }()

	require.NoError(t, proxyServer.Install(context.Background()))
	_, err = os.Stat(filepath.Join(tempDir, "readwatch-v1"))
	require.NoError(t, err)

	next := fixture_config(upstream.URL, tempDir, config.BackendDisk)
	next.Offline.Version = "readwatch-v2"
	require.NoError(t, proxyServer.Reload(context.Background(), next))

	_, err = os.Stat(filepath.Join(tempDir, "readwatch-v2"))
	assert.NoError(t, err, "The new generation should be seeded")
	_, err = os.Stat(filepath.Join(tempDir, "readwatch-v1"))
	assert.True(t, os.IsNotExist(err), "The previous generation should be purged")
}

func TestFailedUpgradeKeepsServing(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	cfg := fixture_config(upstream.URL, t.TempDir(), config.BackendMemory)

	proxyServer, proxyTestServer, client, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()
	defer func() { _ = proxyServer.Close() }()

	require.NoError(t, proxyServer.Install(context.Background()))

	next := fixture_config(upstream.URL, t.TempDir(), config.BackendMemory)
	next.Offline.Version = "readwatch-v2"
	next.Offline.SeedURLs = []string{"/", "/missing"}
	assert.Error(t, proxyServer.Reload(context.Background(), next))
	assert.Equal(t, "readwatch-v1", proxyServer.Registration().Active().Version())

	upstream.Close()

	resp, err := client.Get(upstream.URL + "/profile")
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<html>profile</html>", readBody(t, resp))
}

func TestReverseModeIntegration(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	cfg := fixture_config(upstream.URL, t.TempDir(), config.BackendSQLite)

	proxyServer, proxyTestServer, _, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()
	defer func() { _ = proxyServer.Close() }()

	require.NoError(t, proxyServer.Install(context.Background()))

	// Direct requests to the proxy are served from the configured origin
	resp, err := http.Get(proxyTestServer.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))

	proxyServer.Registration().Wait()
	upstream.Close()

	resp, err = http.Get(proxyTestServer.URL + "/profile")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<html>profile</html>", readBody(t, resp))

	resp, err = http.Get(proxyTestServer.URL + "/api/list")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	_ = readBody(t, resp)
}
