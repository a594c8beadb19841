package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/tokenmeter/pkg/config"
	"github.com/lkarlslund/tokenmeter/pkg/tokenizer"
	"golang.org/x/crypto/acme/autocert"
)

const maxRequestBodyBytes = 32 << 20

const noLogsMessage = "No logs available"

type Server struct {
	cfg                 config.ServerConfig
	router              *Router
	forwarder           *Forwarder
	requests            *RequestInterceptor
	responses           *ResponseInterceptor
	finalizer           *Finalizer
	stats               *StatsStore
	feed                *LiveFeed
	handler             http.Handler
	httpServer          *http.Server
	accounting          sync.WaitGroup
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

// NewServer wires the proxy pipeline. Usage lines go to sink; further
// observers can be attached with RegisterObserver before Run.
func NewServer(cfg *config.ServerConfig, sink LineWriter) (*Server, error) {
	router, err := NewRouter(*cfg)
	if err != nil {
		return nil, fmt.Errorf("build route table: %w", err)
	}
	counter, err := tokenizer.NewCounter(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("init tokenizer: %w", err)
	}
	stats := NewStatsStore(10000)
	if cfg.StatsPath != "" {
		stats = NewPersistentStatsStore(10000, cfg.StatsPath)
	}

	s := &Server{
		cfg:    *cfg,
		router: router,
		forwarder: NewForwarder(ForwarderOptions{
			ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeoutSeconds) * time.Second,
			StreamTimeout:         time.Duration(cfg.StreamTimeoutSeconds) * time.Second,
			MaxCaptureBytes:       cfg.MaxCaptureBytes,
		}),
		requests:  NewRequestInterceptor(counter, sink),
		responses: NewResponseInterceptor(counter, sink),
		finalizer: NewFinalizer(),
		stats:     stats,
		feed:      NewLiveFeed(),
	}
	s.finalizer.Register("stats", s.stats)
	s.finalizer.Register("livefeed", s.feed)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/logs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(noLogsMessage))
	})
	r.Get("/admin/stats", s.handleStats)
	r.Get("/admin/ws", s.feed.ServeHTTP)
	r.With(s.proxyRequestLifecycleMiddleware).Handle("/*", http.HandlerFunc(s.proxyHandler))
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) RegisterObserver(name string, obs RecordObserver) {
	s.finalizer.Register(name, obs)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Stats() *StatsStore {
	return s.stats
}

// WaitAccounting blocks until every relayed request has been finalized.
func (s *Server) WaitAccounting() {
	s.accounting.Wait()
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg
	errCh := make(chan error, 2)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}
		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", ":443", "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		err := s.waitForStop(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		s.finish()
		return err
	}

	go func() {
		log.Info("proxy listening", "addr", cfg.ListenAddr, "backends", len(s.router.Targets()))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	err := s.waitForStop(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	s.finish()
	return err
}

// waitForStop returns once ctx is done or a listener failed, after letting
// in-flight proxy requests finish.
func (s *Server) waitForStop(ctx context.Context, errCh <-chan error) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.draining.Store(true)
	if err == nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.waitForProxyIdle(drainCtx)
	}
	return err
}

func (s *Server) finish() {
	s.accounting.Wait()
	s.stats.Flush()
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		s.activeProxyRequests.Add(1)
		defer s.activeProxyRequests.Add(-1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: giving up on active proxy requests", "active", active)
			return
		case <-t.C:
		}
	}
}

func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	target, forwardPath, ok := s.router.Resolve(r.URL.Path)
	if !ok {
		http.Error(w, "no backend for path", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	rec := s.requests.Intercept(r, body)
	rec.Route = target.Label()

	start := time.Now()
	res := s.forwarder.Forward(r.Context(), w, r, target, forwardPath, body)
	rec.LatencyMS = time.Since(start).Milliseconds()
	s.account(rec, res)

	if res.Err != nil && !res.ClientGone {
		log.Error("backend relay failed", "id", rec.ID, "route", rec.Route, "path", rec.Path, "err", res.Err)
		// No synthesized error body: the client sees the connection drop.
		panic(http.ErrAbortHandler)
	}
}

// account finishes the record off the request goroutine so the response can
// end as soon as the backend's last byte is relayed.
func (s *Server) account(rec *UsageRecord, res ForwardResult) {
	s.accounting.Add(1)
	go func() {
		defer s.accounting.Done()
		switch {
		case res.Completed():
			s.responses.Complete(rec, res)
		case res.ClientGone:
			s.responses.Abort(rec, OutcomeAborted, res)
		default:
			s.responses.Abort(rec, OutcomeBackendError, res)
		}
		s.finalizer.Finalize(rec)
	}()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	period := 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("period")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "invalid period", http.StatusBadRequest)
			return
		}
		period = d
	}
	writeJSON(w, http.StatusOK, s.stats.Summary(period))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
