package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/elazarl/goproxy"
	"github.com/inconshreveable/go-vhost"
	"github.com/sirupsen/logrus"

	"github.com/readwatch/offline-cache/internal/config"
)

func loadCertificate(cfg config.HTTPSConfig) (*tls.Certificate, error) {
	if cfg.CACertFile == "" || cfg.CAKeyFile == "" {
		logrus.Debugf("No CA certificate configured, using goproxy default certificate")
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CACertFile, cfg.CAKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate and key: %w", err)
	}
	logrus.Debugf("Loaded CA certificate from %s", cfg.CACertFile)
	return &cert, nil
}

// setupHTTPSProxyHandler makes CONNECT requests go through MITM so that the
// offline cache sees HTTPS requests too
func (s *Server) setupHTTPSProxyHandler() error {
	caCert, err := loadCertificate(s.config.Server.HTTPS)
	if err != nil {
		return err
	}

	if caCert == nil {
		logrus.Warnf("TLS interception enabled but no CA certificate loaded, using goproxy default certificate")
		s.proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)
		return nil
	}

	customCaMitm := &goproxy.ConnectAction{
		Action:    goproxy.ConnectMitm,
		TLSConfig: goproxy.TLSConfigFromCA(caCert),
	}
	customAlwaysMitm := goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		logrus.Debugf("Handling CONNECT request for %s", host)
		return customCaMitm, host
	})
	s.proxy.OnRequest().HandleConnect(customAlwaysMitm)
	return nil
}

// StartTransparentHTTPS accepts raw TLS connections on addr and routes them
// by SNI through the MITM handler, until ctx is cancelled
func (s *Server) StartTransparentHTTPS(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("error listening for https connections: %w", err)
	}
	logrus.Infof("Accepting transparent HTTPS connections on %s", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.Warnf("Error accepting new connection: %v", err)
			continue
		}
		go s.serveTransparent(c)
	}
}

func (s *Server) serveTransparent(c net.Conn) {
	tlsConn, err := vhost.TLS(c)
	if err != nil {
		logrus.Warnf("Error reading TLS client hello: %v", err)
		_ = c.Close()
		return
	}
	if tlsConn.Host() == "" {
		logrus.Warnf("Cannot support non-SNI enabled clients")
		_ = tlsConn.Close()
		return
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL: &url.URL{
			Opaque: tlsConn.Host(),
			Host:   net.JoinHostPort(tlsConn.Host(), "443"),
		},
		Host:       tlsConn.Host(),
		Header:     make(http.Header),
		RemoteAddr: c.RemoteAddr().String(),
	}
	s.proxy.ServeHTTP(dumbResponseWriter{tlsConn}, connectReq)
}
