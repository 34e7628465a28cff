package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readwatch/offline-cache/internal/config"
)

func fixture_origin(t *testing.T) *httptest.Server {
	t.Helper()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/profile":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)
	return origin
}

func testConfig(origin string) *config.Config {
	cfg := config.Default()
	cfg.Server.Origin = origin
	return cfg
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNew(t *testing.T) {
	s, err := New(testConfig(""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.NotNil(t, s.GetProxy())
	assert.Nil(t, s.Registration().Active(), "nothing is installed before Start")
}

func TestNewDiskBackendCreatesFolder(t *testing.T) {
	cfg := testConfig("")
	cfg.Cache.Backend = config.BackendDisk
	cfg.Cache.Folder = filepath.Join(t.TempDir(), "cache")

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = os.Stat(cfg.Cache.Folder)
	assert.NoError(t, err)
}

func TestNewSQLiteBackend(t *testing.T) {
	cfg := testConfig("")
	cfg.Cache.Backend = config.BackendSQLite
	cfg.Cache.SQLite.Path = filepath.Join(t.TempDir(), "db", "cache.db")

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = os.Stat(cfg.Cache.SQLite.Path)
	assert.NoError(t, err)
}

func TestNewErrors(t *testing.T) {
	cfg := testConfig("")
	cfg.Cache.Backend = "tape"
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig("")
	cfg.Server.Timeout = "soon"
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig("")
	cfg.Server.HTTPS.Enabled = true
	cfg.Server.HTTPS.CACertFile = filepath.Join(t.TempDir(), "missing.pem")
	cfg.Server.HTTPS.CAKeyFile = filepath.Join(t.TempDir(), "missing.key")
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := testConfig("http://localhost:3000")
	cfg.Offline.ShellURL = "/index.html"

	settings, err := settingsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "readwatch-v1", settings.Version)
	assert.Equal(t, []string{"http://localhost:3000/", "http://localhost:3000/profile"}, settings.SeedURLs)
	assert.Equal(t, []string{"/api/"}, settings.ExcludedPaths)
	assert.Equal(t, "/index.html", settings.ShellPath)

	_, err = settingsFromConfig(testConfig(""))
	assert.Error(t, err, "relative seeds need an origin")
}

func TestOutboundRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://readwatch.test/profile?tab=watched", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Accept", "text/html")

	out := outboundRequest(req)
	assert.Empty(t, out.RequestURI)
	assert.Equal(t, "http://readwatch.test/profile?tab=watched", out.URL.String())
	assert.Empty(t, out.Header.Get("Proxy-Connection"))
	assert.Empty(t, out.Header.Get("Proxy-Authorization"))
	assert.Empty(t, out.Header.Get("Accept-Encoding"))
	assert.Equal(t, "text/html", out.Header.Get("Accept"))

	assert.NotEmpty(t, req.RequestURI, "the original request is untouched")
	assert.Equal(t, "keep-alive", req.Header.Get("Proxy-Connection"))
}

func TestGetTargetURL(t *testing.T) {
	req := &http.Request{Host: "readwatch.test", URL: mustParse(t, "/profile")}
	assert.Equal(t, "http://readwatch.test/profile", getTargetURL(req))

	req = &http.Request{URL: mustParse(t, "https://readwatch.test/")}
	assert.Equal(t, "https://readwatch.test/", getTargetURL(req))
}

func TestOriginRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	out := originRequest(req, mustParse(t, "https://app.readwatch.test"))

	assert.Equal(t, "https://app.readwatch.test/profile", out.URL.String())
	assert.Equal(t, "app.readwatch.test", out.Host)
	assert.Empty(t, out.RequestURI)
}

func TestCertStoreCachesPerHost(t *testing.T) {
	store := newCertStore()
	calls := 0
	gen := func() (*tls.Certificate, error) {
		calls++
		return &tls.Certificate{}, nil
	}

	first, err := store.Fetch("readwatch.test", gen)
	require.NoError(t, err)
	second, err := store.Fetch("readwatch.test", gen)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)

	_, err = store.Fetch("other.test", func() (*tls.Certificate, error) {
		return nil, errors.New("no key")
	})
	assert.Error(t, err)
}

func TestDirectRequestWithoutOrigin(t *testing.T) {
	s, err := New(testConfig(""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rec := httptest.NewRecorder()
	s.GetProxy().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDirectRequestsServedFromOrigin(t *testing.T) {
	origin := fixture_origin(t)

	s, err := New(testConfig(origin.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Install(context.Background()))

	front := httptest.NewServer(s.GetProxy())
	t.Cleanup(front.Close)

	resp, err := http.Get(front.URL + "/profile")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<html>/profile</html>", readAll(t, resp))

	s.Registration().Wait()
	origin.Close()

	resp, err = http.Get(front.URL + "/profile")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<html>/profile</html>", readAll(t, resp))

	// Excluded paths are not intercepted and surface the network failure
	resp, err = http.Get(front.URL + "/api/list")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	_ = readAll(t, resp)
}

func TestReloadInstallsNewVersion(t *testing.T) {
	origin := fixture_origin(t)

	cfg := testConfig(origin.URL)
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Install(context.Background()))

	first := s.Registration().Active()
	require.NotNil(t, first)

	next := testConfig(origin.URL)
	next.Offline.Version = "readwatch-v2"
	require.NoError(t, s.Reload(context.Background(), next))

	active := s.Registration().Active()
	require.NotNil(t, active)
	assert.Equal(t, "readwatch-v2", active.Version())
	assert.NotEqual(t, first.ID(), active.ID())

	keys, err := s.storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"readwatch-v2"}, keys)
}

func TestStartStopsWithContext(t *testing.T) {
	origin := fixture_origin(t)

	cfg := testConfig(origin.URL)
	cfg.Server.Port = freePort(t)
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		return s.Registration().Active() != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
