package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/readwatch/offline-cache/internal/cache"
)

const testOrigin = "http://readwatch.test"

var errOffline = errors.New("dial tcp 10.0.0.1:80: connect: connection refused")

type stubPage struct {
	status int
	body   string
}

// stubTransport serves fixed pages by path, or fails every request while offline
type stubTransport struct {
	offline atomic.Bool

	mu    sync.Mutex
	pages map[string]stubPage
	calls []string
	// bodyErr makes 2xx bodies fail mid-read
	bodyErr bool
}

func newStubTransport(pages map[string]stubPage) *stubTransport {
	return &stubTransport{pages: pages}
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Method+" "+req.URL.Path)
	page, ok := s.pages[req.URL.Path]
	bodyErr := s.bodyErr
	s.mu.Unlock()

	if s.offline.Load() {
		return nil, errOffline
	}
	if !ok {
		page = stubPage{status: http.StatusNotFound, body: "not found"}
	}

	var body io.Reader = strings.NewReader(page.body)
	if bodyErr {
		body = io.MultiReader(strings.NewReader(page.body[:len(page.body)/2]), errReader{})
	}
	return &http.Response{
		Status:        http.StatusText(page.status),
		StatusCode:    page.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:          io.NopCloser(body),
		ContentLength: -1,
		Request:       req,
	}, nil
}

func (s *stubTransport) setPage(path string, page stubPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = page
}

func (s *stubTransport) setBodyErr(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodyErr = v
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("unexpected EOF")
}

// faultyStorage wraps a storage and counts or fails generation reads and writes
type faultyStorage struct {
	cache.Storage

	reads      atomic.Int64
	writes     atomic.Int64
	failReads  atomic.Bool
	failWrites atomic.Bool
	// blockWrites, when set, holds every write until closed
	blockWrites chan struct{}
}

func newFaultyStorage() *faultyStorage {
	return &faultyStorage{Storage: cache.NewMemory()}
}

func (f *faultyStorage) Open(ctx context.Context, name string) (cache.GenericCache, error) {
	gen, err := f.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyGeneration{GenericCache: gen, storage: f}, nil
}

func (f *faultyStorage) resetCounters() {
	f.reads.Store(0)
	f.writes.Store(0)
}

type faultyGeneration struct {
	cache.GenericCache
	storage *faultyStorage
}

func (g *faultyGeneration) Get(ctx context.Context, key string) ([]byte, error) {
	g.storage.reads.Add(1)
	if g.storage.failReads.Load() {
		return nil, errors.New("storage unavailable")
	}
	return g.GenericCache.Get(ctx, key)
}

func (g *faultyGeneration) Set(ctx context.Context, key string, value []byte) error {
	g.storage.writes.Add(1)
	if g.storage.blockWrites != nil {
		<-g.storage.blockWrites
	}
	if g.storage.failWrites.Load() {
		return errors.New("storage unavailable")
	}
	return g.GenericCache.Set(ctx, key, value)
}

func defaultPages() map[string]stubPage {
	return map[string]stubPage{
		"/":          {status: http.StatusOK, body: "<html>shell</html>"},
		"/profile":   {status: http.StatusOK, body: "<html>profile</html>"},
		"/style.css": {status: http.StatusOK, body: "body { color: black; }"},
		"/api/list":  {status: http.StatusOK, body: `{"entries":[]}`},
		"/api/add":   {status: http.StatusOK, body: `{"success":true}`},
	}
}

func testSettings(version string) Settings {
	return Settings{
		Version:  version,
		SeedURLs: []string{testOrigin + "/", testOrigin + "/profile"},
	}
}

// fixture_active returns an installed and activated controller
func fixture_active(t *testing.T, storage cache.Storage, transport http.RoundTripper, settings Settings) *Controller {
	t.Helper()

	c, err := New(storage, transport, settings)
	require.NoError(t, err)
	require.NoError(t, c.Install(context.Background()))
	require.NoError(t, c.Activate(context.Background()))
	return c
}

func newRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()

	req, err := http.NewRequest(method, testOrigin+path, nil)
	require.NoError(t, err)
	return req
}

func navigationRequest(t *testing.T, path string) *http.Request {
	req := newRequest(t, http.MethodGet, path)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
