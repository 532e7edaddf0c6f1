// internal/collector/server.go
package collector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/logging"
)

// IngestPath is where agents deliver batches
const IngestPath = "/api/logs"

// Server is the central collector
type Server struct {
	cfg     *config.CollectorConfig
	store   Store
	replay  ReplayCache
	handler *IngestHandler
	server  *http.Server
	log     *zap.Logger
}

// NewServer opens the store and replay cache and builds the router
func NewServer(ctx context.Context, cfg *config.CollectorConfig, log *zap.Logger) (*Server, error) {
	log = logging.OrNop(log)

	keys, err := NewKeyring(cfg.APIKeys)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	replay, err := NewReplayCache(ctx, cfg.Replay, cfg.MaxClockSkew)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("replay cache: %w", err)
	}

	verifier := NewVerifier(keys, replay, cfg.MaxClockSkew, cfg.MaxBatchEvents, nil)
	handler := NewIngestHandler(verifier, store, cfg.MaxPayloadBytes, log)

	router, err := NewRouter(handler, store, cfg.TrustedProxies)
	if err != nil {
		store.Close()
		closeReplay(replay)
		return nil, err
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		cfg:     cfg,
		store:   store,
		replay:  replay,
		handler: handler,
		server:  server,
		log:     log,
	}, nil
}

// NewRouter wires the ingest, query and health endpoints. trustedProxies
// decides whose X-Forwarded-For is believed when resolving the client IP;
// with none, the socket peer address is used.
func NewRouter(h *IngestHandler, store Store, trustedProxies []string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted_proxies: %w", err)
	}

	r.POST(IngestPath, h.Ingest)
	r.GET("/api/batches", h.Batches)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r, nil
}

// Handler exposes the router, for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

// RunAndGetAddr starts the server and returns the actual listening address.
// Useful for testing with port 0. The server runs until ctx is cancelled.
func (s *Server) RunAndGetAddr(ctx context.Context) (string, error) {
	ln, err := s.listen()
	if err != nil {
		return "", err
	}
	go func() {
		if err := s.serve(ctx, ln); err != nil {
			s.log.Error("collector stopped", zap.Error(err))
		}
	}()
	return ln.Addr().String(), nil
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}

	if s.cfg.TLSCert == "" {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load TLS cert: %w", err)
	}
	s.server.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return tls.NewListener(ln, s.server.TLSConfig), nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("collector starting",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.cfg.TLSCert != ""),
		zap.String("db", s.cfg.DB.Driver),
		zap.String("replay", s.cfg.Replay.Backend),
		zap.Int("api_keys", len(s.cfg.APIKeys)))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("collector shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.Close()
		return err
	}

	return s.Close()
}

// Close releases the store and replay backend
func (s *Server) Close() error {
	err := s.store.Close()
	closeReplay(s.replay)
	return err
}

func closeReplay(r ReplayCache) {
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
}
