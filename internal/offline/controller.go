// Package offline implements the network-first offline cache controller: a
// two-phase install/activate lifecycle over a named cache generation, and a
// per-request policy that falls back to cached responses when the network
// fails.
package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/readwatch/offline-cache/internal/cache"
	"github.com/readwatch/offline-cache/internal/cache/httpcache"
)

var (
	// ErrInvalidState is returned when a lifecycle step is called out of order.
	ErrInvalidState = errors.New("invalid controller state")
	// ErrSeedFailed wraps every installation failure.
	ErrSeedFailed = errors.New("seeding cache generation failed")
)

// writeTimeout bounds a single background cache write
const writeTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/readwatch/offline-cache/internal/offline")

// State is the lifecycle position of a Controller
type State int32

const (
	StateNew State = iota
	StateInstalling
	// StateInstalled waits for activation
	StateInstalled
	StateActivating
	StateActive
	// StateRedundant is terminal: failed install or superseded
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Controller owns one cache generation and applies the request policy to it.
type Controller struct {
	id        string
	settings  Settings
	storage   cache.Storage
	transport http.RoundTripper
	log       *logrus.Entry

	state atomic.Int32

	// written once during Install, before the state leaves StateInstalling
	generation *httpcache.HTTPCache

	// mu orders writes.Add against retired and against writes.Wait
	mu      sync.RWMutex
	retired bool
	writes  sync.WaitGroup
}

// New creates a controller for the generation described by settings.
// A nil transport means http.DefaultTransport.
func New(storage cache.Storage, transport http.RoundTripper, settings Settings) (*Controller, error) {
	if storage == nil {
		return nil, fmt.Errorf("cache storage is required")
	}
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if err := cache.ValidateName(settings.Version); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	id := uuid.NewString()
	return &Controller{
		id:        id,
		settings:  settings,
		storage:   storage,
		transport: transport,
		log: logrus.WithFields(logrus.Fields{
			"component":  "offline",
			"version":    settings.Version,
			"controller": id,
		}),
	}, nil
}

func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) Version() string {
	return c.settings.Version
}

func (c *Controller) Settings() Settings {
	return c.settings
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) transition(from, to State) error {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, c.State(), to)
	}
	return nil
}

// Install seeds a fresh cache generation with every seed URL.
// Either all seeds are stored or the installation fails and the controller
// becomes redundant.
func (c *Controller) Install(ctx context.Context) error {
	if err := c.transition(StateNew, StateInstalling); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "offline.Install", trace.WithAttributes(
		attribute.String("cache.version", c.settings.Version),
		attribute.Int("cache.seeds", len(c.settings.SeedURLs)),
	))
	defer span.End()

	if err := c.install(ctx); err != nil {
		c.state.Store(int32(StateRedundant))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.WithError(err).Error("Installation failed")
		return err
	}

	c.state.Store(int32(StateInstalled))
	c.log.Infof("Installed cache generation with %d seed entries", len(c.settings.SeedURLs))
	return nil
}

func (c *Controller) install(ctx context.Context) error {
	requests := make([]*http.Request, len(c.settings.SeedURLs))
	responses := make([]*http.Response, len(c.settings.SeedURLs))

	g, gctx := errgroup.WithContext(ctx)
	for i, seedURL := range c.settings.SeedURLs {
		g.Go(func() error {
			req, resp, err := c.fetchSeed(gctx, seedURL)
			if err != nil {
				return err
			}
			requests[i], responses[i] = req, resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrSeedFailed, err)
	}

	existed, err := c.storage.Has(ctx, c.settings.Version)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSeedFailed, err)
	}
	gen, err := c.storage.Open(ctx, c.settings.Version)
	if err != nil {
		return fmt.Errorf("%w: open generation: %w", ErrSeedFailed, err)
	}

	hc := httpcache.NewHTTP(gen)
	for i, req := range requests {
		if err := hc.SetReq(ctx, req, responses[i]); err != nil {
			if !existed {
				c.discard(context.WithoutCancel(ctx))
			}
			return fmt.Errorf("%w: store %s: %w", ErrSeedFailed, req.URL, err)
		}
		c.log.Debugf("Seeded %s", req.URL)
	}

	c.generation = hc
	return nil
}

func (c *Controller) fetchSeed(ctx context.Context, seedURL string) (*http.Request, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seedURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("seed %s: %w", seedURL, err)
	}

	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", seedURL, err)
	}
	if !isSuccess(resp) {
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("fetch %s: unexpected status %d", seedURL, resp.StatusCode)
	}

	_, stored, err := httpcache.CloneResponse(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", seedURL, err)
	}
	return req, stored, nil
}

// discard deletes a generation created by a failed installation
func (c *Controller) discard(ctx context.Context) {
	if _, err := c.storage.Delete(ctx, c.settings.Version); err != nil {
		c.log.WithError(err).Warn("Failed to discard partially seeded generation")
	}
}

// Activate purges every other cache generation and starts intercepting requests.
func (c *Controller) Activate(ctx context.Context) error {
	if err := c.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "offline.Activate", trace.WithAttributes(
		attribute.String("cache.version", c.settings.Version),
	))
	defer span.End()

	c.purge(ctx)

	c.state.Store(int32(StateActive))
	c.log.Info("Cache generation active")
	return nil
}

func (c *Controller) purge(ctx context.Context) {
	keys, err := c.storage.Keys(ctx)
	if err != nil {
		c.log.WithError(err).Warn("Failed to list cache generations")
		return
	}

	for _, key := range keys {
		if key == c.settings.Version {
			continue
		}
		if _, err := c.storage.Delete(ctx, key); err != nil {
			c.log.WithError(err).Warnf("Failed to delete stale cache generation %s", key)
			continue
		}
		c.log.Infof("Deleted stale cache generation %s", key)
	}
}

// Intercepts reports whether HandleRequest applies the cache policy to req.
func (c *Controller) Intercepts(req *http.Request) bool {
	return c.State() == StateActive && c.settings.intercepts(req)
}

// HandleRequest serves req network-first. Requests that are not intercepted
// go to the transport untouched and its error, if any, is returned as is.
// Intercepted requests never fail: on network failure the cached entry, the
// cached shell document or a 503 response is returned.
func (c *Controller) HandleRequest(req *http.Request) (*http.Response, error) {
	if !c.Intercepts(req) {
		return c.transport.RoundTrip(req)
	}

	ctx, span := tracer.Start(req.Context(), "offline.HandleRequest", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("cache.version", c.settings.Version),
	))
	defer span.End()

	resp, err := c.transport.RoundTrip(req)
	if err == nil {
		if !isSuccess(resp) {
			span.SetAttributes(attribute.String("cache.result", "uncacheable"))
			return resp, nil
		}

		// The body can be read only once: duplicate it before the caller sees it
		live, stored, cloneErr := httpcache.CloneResponse(resp)
		if cloneErr == nil {
			c.store(req, stored)
			live.Header.Set(HeaderCache, "MISS")
			span.SetAttributes(attribute.String("cache.result", "network"))
			return live, nil
		}
		err = cloneErr
	}

	span.RecordError(err)
	c.log.WithError(err).Debugf("Network failed for %s, falling back to cache", req.URL)
	resp, result := c.fallback(ctx, req)
	span.SetAttributes(attribute.String("cache.result", result))
	return resp, nil
}

func (c *Controller) fallback(ctx context.Context, req *http.Request) (*http.Response, string) {
	if resp := c.match(ctx, req); resp != nil {
		c.log.Infof("Serving from cache: %s", req.URL)
		return resp, "hit"
	}

	if IsNavigation(req) {
		shell, err := c.settings.shellRequest(req)
		if err != nil {
			c.log.WithError(err).Warnf("Failed to build shell request for %s", req.URL)
		} else if resp := c.match(ctx, shell); resp != nil {
			resp.Request = req
			c.log.Infof("Serving shell document for %s", req.URL)
			return resp, "shell"
		}
	}

	c.log.Infof("Offline and not cached: %s", req.URL)
	return offlineResponse(req), "offline"
}

// match looks the request up in the generation; storage failures count as misses
func (c *Controller) match(ctx context.Context, req *http.Request) *http.Response {
	resp, err := c.generation.GetReq(ctx, req)
	if err != nil {
		c.log.WithError(err).Warnf("Cache lookup failed for %s", req.URL)
		return nil
	}
	if resp == nil {
		return nil
	}
	resp.Header.Set(HeaderCache, "HIT")
	return resp
}

// store writes resp in the background; the caller is never delayed by it
func (c *Controller) store(req *http.Request, resp *http.Response) {
	key, err := httpcache.GenerateKey(req)
	if err != nil {
		c.log.WithError(err).Warnf("Cannot cache %s", req.URL)
		return
	}

	c.mu.RLock()
	if c.retired {
		c.mu.RUnlock()
		return
	}
	c.writes.Add(1)
	c.mu.RUnlock()

	go func() {
		defer c.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := c.generation.SetKey(ctx, key, resp); err != nil {
			c.log.WithError(err).Warnf("Failed to cache response for %s", req.URL)
			return
		}
		c.log.Debugf("Cached response for %s", req.URL)
	}()
}

// Wait blocks until every pending background cache write has finished.
// Requests that want to start a write meanwhile wait for it to return.
func (c *Controller) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes.Wait()
}

// Retire stops new cache writes and waits for pending ones. The controller
// keeps answering requests from its generation until it is marked redundant.
func (c *Controller) Retire() {
	c.mu.Lock()
	c.retired = true
	c.mu.Unlock()

	c.writes.Wait()
}

func (c *Controller) setRedundant() {
	c.state.Store(int32(StateRedundant))
}

func isSuccess(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
