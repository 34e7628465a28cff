package offline

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/readwatch/offline-cache/internal/cache"
)

// Registration keeps the active controller and hands control to newer
// versions as they install.
type Registration struct {
	storage   cache.Storage
	transport http.RoundTripper

	// serializes Update
	mu     sync.Mutex
	active atomic.Pointer[Controller]
}

// NewRegistration creates a registration with no active controller; until the
// first successful Update every request passes through.
func NewRegistration(storage cache.Storage, transport http.RoundTripper) *Registration {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Registration{
		storage:   storage,
		transport: transport,
	}
}

// Active returns the controller currently handling requests, or nil.
func (r *Registration) Active() *Controller {
	return r.active.Load()
}

// Update installs and activates the generation described by settings.
// When the active controller already runs this version it is kept. When the
// installation fails the previous controller keeps serving.
func (r *Registration) Update(ctx context.Context, settings Settings) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.active.Load()
	if current != nil && current.Version() == settings.Version {
		if !current.Settings().Equal(settings) {
			logrus.WithField("version", settings.Version).
				Warn("Offline settings changed without a new version tag, keeping the active generation")
		}
		return current, nil
	}

	next, err := New(r.storage, r.transport, settings)
	if err != nil {
		return nil, err
	}
	if err := next.Install(ctx); err != nil {
		if current != nil {
			logrus.WithField("version", current.Version()).Warn("Keeping the previous cache generation")
		}
		return nil, err
	}

	// Skip waiting: the previous controller stops writing before the purge
	if current != nil {
		current.Retire()
	}
	if err := next.Activate(ctx); err != nil {
		return nil, err
	}

	// Claim every subsequent request
	r.active.Store(next)
	if current != nil {
		current.setRedundant()
	}
	return next, nil
}

// Intercepts reports whether the active controller applies the cache policy to req.
func (r *Registration) Intercepts(req *http.Request) bool {
	c := r.active.Load()
	return c != nil && c.Intercepts(req)
}

// HandleRequest dispatches req to the active controller, or straight to the
// transport when none is active.
func (r *Registration) HandleRequest(req *http.Request) (*http.Response, error) {
	c := r.active.Load()
	if c == nil {
		return r.transport.RoundTrip(req)
	}
	return c.HandleRequest(req)
}

// Wait blocks until the active controller has no pending cache writes.
func (r *Registration) Wait() {
	if c := r.active.Load(); c != nil {
		c.Wait()
	}
}

// Close retires the active controller: pending cache writes finish and no
// new ones start. Requests are still answered afterwards.
func (r *Registration) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.active.Load(); c != nil {
		c.Retire()
	}
}
