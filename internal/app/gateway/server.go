// Package server composes the gateway process: storage, registry,
// signing, the domain services and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hailo-mobility/hailo/internal/audit"
	"github.com/hailo-mobility/hailo/internal/auth"
	"github.com/hailo-mobility/hailo/internal/correlator"
	"github.com/hailo-mobility/hailo/internal/gateway"
	"github.com/hailo-mobility/hailo/internal/grievance"
	"github.com/hailo-mobility/hailo/internal/platform/timeouts"
	"github.com/hailo-mobility/hailo/internal/protocol"
	"github.com/hailo-mobility/hailo/internal/recon"
	"github.com/hailo-mobility/hailo/internal/registry"
	"github.com/hailo-mobility/hailo/internal/signature"
	"github.com/hailo-mobility/hailo/internal/storage/sqlite"
	"github.com/hailo-mobility/hailo/internal/transaction"
)

// auditPurgeInterval is how often expired audit entries are swept.
const auditPurgeInterval = time.Hour

// Config defines the inputs for the gateway process.
type Config struct {
	HTTPAddr          string
	DBPath            string
	Subscriber        protocol.SubscriberConfig
	Registry          registry.Config
	Auth              auth.Config
	SigningPrivateKey string
	SigningKeyID      string
	RequestTimeout    time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the gateway HTTP process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	recorder        *audit.Recorder
}

// NewServer builds a configured gateway server.
func NewServer(cfg Config) (*Server, error) {
	httpAddr := strings.TrimSpace(cfg.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}

	privateKey, err := signature.DecodePrivateKey(cfg.SigningPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	signer, err := signature.NewSigner(cfg.Subscriber.SubscriberID, cfg.SigningKeyID, privateKey, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("init signer: %w", err)
	}

	registryClient, err := registry.NewClient(cfg.Registry, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("init registry client: %w", err)
	}
	verifier := signature.NewVerifier(registryClient, nil)

	sessions, err := auth.NewVerifier(cfg.Auth, nil)
	if err != nil {
		return nil, fmt.Errorf("init session verifier: %w", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	recorder := audit.NewRecorder(store, nil, nil)
	arena := correlator.New()
	client := protocol.NewClient(signer, cfg.RequestTimeout)

	transactions := transaction.NewService(store, client, registryClient, cfg.Subscriber, recorder, arena, nil, nil)
	grievances := grievance.NewService(store, store, client, cfg.Subscriber, recorder, nil, nil)
	settlements := recon.NewService(store, nil)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           gateway.NewHandler(transactions, grievances, settlements, verifier, sessions, recorder),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: cfg.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		recorder:        recorder,
	}, nil
}

// Run creates and serves a gateway server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := NewServer(cfg)
	if err != nil {
		return fmt.Errorf("init gateway server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve gateway: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the audit retention sweep
// until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("gateway server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	retentionCtx, stopRetention := context.WithCancel(ctx)
	defer stopRetention()
	go s.recorder.RunRetentionLoop(retentionCtx, auditPurgeInterval)

	serveErr := make(chan error, 1)
	log.Printf("gateway listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}
