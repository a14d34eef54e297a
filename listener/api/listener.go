package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stephnangue/tenantauth/listener"
	"github.com/stephnangue/tenantauth/logger"
)

var _ listener.Listener = (*ApiListener)(nil)

type ApiListener struct {
	logger      *logger.GatedLogger
	server      *http.Server
	tlsCertFile string
	tlsKeyFile  string
	tlsEnabled  bool
	stopped     atomic.Bool

	mu sync.Mutex
	ln net.Listener
}

type ApiListenerConfig struct {
	Logger          *logger.GatedLogger
	Address         string
	TLSCertFile     string
	TLSKeyFile      string
	TLSClientCAFile string
	TLSEnabled      bool
}

func NewApiListener(cfg ApiListenerConfig, httpHandler http.Handler) (*ApiListener, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDiscardLogger()
	}

	var handler http.Handler = httpHandler
	handler = middleware.RealIP(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recoverer(handler)

	server := &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if cfg.TLSEnabled {
		if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
			return nil, errors.New("tls_cert_file and tls_key_file are required when TLS is enabled")
		}
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLSClientCAFile != "" {
			pem, err := os.ReadFile(cfg.TLSClientCAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read client CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", cfg.TLSClientCAFile)
			}
			tlsConfig.ClientCAs = pool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
		server.TLSConfig = tlsConfig
	}

	return &ApiListener{
		logger:      log.WithSubsystem("listener.api"),
		server:      server,
		tlsCertFile: cfg.TLSCertFile,
		tlsKeyFile:  cfg.TLSKeyFile,
		tlsEnabled:  cfg.TLSEnabled,
	}, nil
}

// Addr returns the bound address once started, the configured one before.
func (l *ApiListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.server.Addr
}

func (l *ApiListener) Type() string {
	return "api"
}

// Start serves until ctx is cancelled or the server fails.
func (l *ApiListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.server.Addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.logger.Info("starting HTTP server",
		logger.String("address", ln.Addr().String()),
		logger.Bool("tls", l.tlsEnabled))

	errChan := make(chan error, 1)
	go func() {
		var err error
		if l.tlsEnabled {
			err = l.server.ServeTLS(ln, l.tlsCertFile, l.tlsKeyFile)
		} else {
			err = l.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown signal received")
		return l.Stop()
	case err := <-errChan:
		l.logger.Error("HTTP Server error", logger.Err(err))
		return err
	}
}

func (l *ApiListener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		l.logger.Info("HTTP server already stopped, skipping")
		return nil
	}

	l.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Error("error when shutting down the http server", logger.Err(err))
		return err
	}

	l.logger.Info("HTTP server stopped gracefully")
	return nil
}
