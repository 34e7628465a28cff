// Package proxy hosts the offline cache controller behind a goproxy HTTP(S)
// proxy, and behind a reverse proxy for direct requests to the app origin.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/readwatch/offline-cache/internal/cache"
	"github.com/readwatch/offline-cache/internal/config"
	"github.com/readwatch/offline-cache/internal/offline"
)

const shutdownTimeout = 10 * time.Second

// Server represents the offline cache proxy server
type Server struct {
	proxy        *goproxy.ProxyHttpServer
	storage      cache.Storage
	transport    *http.Transport
	registration *offline.Registration
	origin       *url.URL

	mu     sync.Mutex
	config *config.Config
}

// New creates a new proxy server. The offline cache is installed by Start.
func New(cfg *config.Config) (*Server, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid server timeout: %w", err)
	}

	var origin *url.URL
	if cfg.Server.Origin != "" {
		origin, err = url.Parse(cfg.Server.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin: %w", err)
		}
	}

	storage, err := openStorage(context.Background(), cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache storage: %w", err)
	}

	transport := newTransport(timeout)

	s := &Server{
		proxy:        goproxy.NewProxyHttpServer(),
		storage:      storage,
		transport:    transport,
		registration: offline.NewRegistration(storage, transport),
		origin:       origin,
		config:       cfg,
	}

	s.proxy.Tr = transport
	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	s.proxy.CertStore = newCertStore()
	s.proxy.NonproxyHandler = http.HandlerFunc(s.handleDirectRequest)
	s.proxy.OnRequest().DoFunc(s.handleProxyRequest)

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			_ = storage.Close()
			return nil, err
		}
	}

	return s, nil
}

// GetProxy returns the goproxy handler
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Registration returns the registration dispatching requests to the active controller
func (s *Server) Registration() *offline.Registration {
	return s.registration
}

// Install installs and activates the cache generation described by the
// current configuration
func (s *Server) Install(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.config
	s.mu.Unlock()

	settings, err := settingsFromConfig(cfg)
	if err != nil {
		return err
	}

	c, err := s.registration.Update(ctx, settings)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"version":    c.Version(),
		"controller": c.ID(),
	}).Info("Offline cache active")
	return nil
}

// Start installs the offline cache and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.config
	s.mu.Unlock()

	if err := s.Install(ctx); err != nil {
		// Requests pass through until a later reload installs successfully
		logrus.WithError(err).Error("Offline cache installation failed, serving without offline support")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.Infof("Starting offline cache proxy on port %d", cfg.Server.Port)
	logrus.Infof("Cache backend: %s", cfg.Cache.Backend)
	logrus.Infof("Cache version: %s", cfg.Offline.Version)
	if s.origin != nil {
		logrus.Infof("Serving direct requests from origin %s", s.origin)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server failed: %w", err)
		}
		return nil
	})
	if cfg.Server.HTTPS.Enabled && cfg.Server.HTTPS.TransparentPort != 0 {
		g.Go(func() error {
			return s.StartTransparentHTTPS(gctx, fmt.Sprintf(":%d", cfg.Server.HTTPS.TransparentPort))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logrus.Info("Shutting down proxy server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Reload applies a changed configuration. Only the offline section is
// applied live; a new version tag installs a new cache generation.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	previous := s.config
	s.config = cfg
	s.mu.Unlock()

	if previous.Server != cfg.Server || previous.Cache != cfg.Cache {
		logrus.Warn("Server and cache settings changed, restart to apply them")
	}

	return s.Install(ctx)
}

// Close stops cache writes, waits for pending ones and releases the storage
func (s *Server) Close() error {
	s.registration.Close()
	s.transport.CloseIdleConnections()
	return s.storage.Close()
}

// handleProxyRequest runs for every request received as a forward proxy,
// including decrypted HTTPS requests
func (s *Server) handleProxyRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if !s.registration.Intercepts(req) {
		logrus.Debugf("Passing through %s %s", req.Method, req.URL)
		return req, nil
	}

	resp, err := s.registration.HandleRequest(outboundRequest(req))
	if err != nil {
		logrus.WithError(err).Warnf("Request failed: %s %s", req.Method, req.URL)
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}
	return req, resp
}

// handleDirectRequest serves requests addressed to the proxy itself from the
// configured origin
func (s *Server) handleDirectRequest(w http.ResponseWriter, r *http.Request) {
	if s.origin == nil {
		http.Error(w, "This is a proxy server. Does not respond to non-proxy requests.", http.StatusInternalServerError)
		return
	}

	resp, err := s.registration.HandleRequest(originRequest(r, s.origin))
	if err != nil {
		logrus.WithError(err).Warnf("Request failed: %s %s", r.Method, r.URL)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeResponse(w, resp)
}

func settingsFromConfig(cfg *config.Config) (offline.Settings, error) {
	seeds, err := cfg.ResolvedSeedURLs()
	if err != nil {
		return offline.Settings{}, err
	}
	return offline.Settings{
		Version:       cfg.Offline.Version,
		SeedURLs:      seeds,
		ExcludedPaths: cfg.Offline.ExcludedPaths,
		ShellPath:     cfg.Offline.ShellURL,
	}, nil
}
