package tests

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"time"

	"github.com/readwatch/offline-cache/internal/config"
	"github.com/readwatch/offline-cache/internal/proxy"
)

// fixture_upstream creates a test app origin serving the shell, the profile
// page, a stylesheet and a small data API
func fixture_upstream() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		switch {
		case requ.URL.Path == "/":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html>shell</html>"))
		case requ.URL.Path == "/profile":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html>profile</html>"))
		case requ.URL.Path == "/style.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body { color: black; }"))
		case requ.URL.Path == "/api/list":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"entries": []}`))
		case requ.URL.Path == "/api/add" && requ.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success": true}`))
		default:
			http.NotFound(w, requ)
		}
	}))
}

// fixture_config creates a test config seeding the upstream, with the given backend
func fixture_config(upstreamURL, tempDir, backend string) *config.Config {
	cfg := config.Default()
	cfg.Server.Origin = upstreamURL
	cfg.Server.Timeout = "5s"
	cfg.Cache.Backend = backend
	cfg.Cache.Folder = tempDir
	cfg.Cache.SQLite.Path = filepath.Join(tempDir, "offline-cache.db")
	return cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}
