// Package server exposes the admission engine over HTTP. Its only concerns
// are decoding requests, mapping engine errors to status codes and streaming
// lease events; all semaphore logic lives in the sem package.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Drizzley/throttle/internal/config"
	"github.com/Drizzley/throttle/internal/events"
	"github.com/Drizzley/throttle/internal/protocol"
	"github.com/Drizzley/throttle/internal/sem"
)

// keepaliveInterval is how often the event stream emits a comment line so
// broken subscriber connections are noticed.
const keepaliveInterval = 15 * time.Second

type Server struct {
	engine *sem.Engine
	events *events.Manager
	cfg    *config.Config
	log    *slog.Logger
}

func New(engine *sem.Engine, cfg *config.Config, log *slog.Logger) *Server {
	s := &Server{
		engine: engine,
		events: events.NewManager(cfg.EventBuffer),
		cfg:    cfg,
		log:    log,
	}
	engine.SetNotify(func(kind, semaphore, leaseID string) {
		s.events.Publish(events.Event{Kind: kind, Semaphore: semaphore, LeaseID: leaseID})
	})
	return s
}

// Handler returns the full route table. Split out from Run so tests can
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /acquire", s.handleAcquire)
	mux.HandleFunc("DELETE /leases/{id}", s.handleRelease)
	mux.HandleFunc("PUT /leases/{id}", s.handleHeartbeat)
	mux.HandleFunc("GET /remainder", s.handleRemainder)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /remove_expired", s.handleRemoveExpired)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run serves HTTP and the expiry sweeper until ctx is cancelled, then drains
// in-flight requests up to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		// Blocking acquires and event streams outlive any sane full-read
		// timeout, so only the header read is bounded.
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.engine.ExpiryLoop(ctx)
		return nil
	})
	g.Go(func() error {
		var err error
		if s.cfg.TLSCert != "" {
			s.log.Info("TLS enabled")
			err = httpSrv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down, draining requests")
		drainCtx := context.Background()
		if s.cfg.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(drainCtx, s.cfg.ShutdownTimeout)
			defer cancel()
		}
		return httpSrv.Shutdown(drainCtx)
	})

	s.log.Info("listening", "addr", addr)
	return g.Wait()
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write error", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, sem.ErrUnknownSemaphore):
		code = http.StatusBadRequest
	case errors.Is(err, sem.ErrUnsatisfiable):
		code = http.StatusConflict
	case errors.Is(err, sem.ErrTimeout):
		code = http.StatusRequestTimeout
	case errors.Is(err, sem.ErrLeaseNotFound):
		code = http.StatusBadRequest
	}
	s.writeJSON(w, code, protocol.Error{Error: err.Error()})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.Error{Error: fmt.Sprintf("invalid body: %v", err)})
		return false
	}
	return true
}

// POST /acquire
func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req protocol.AcquireRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.Error{Error: err.Error()})
		return
	}

	ttl := req.TTL.Std()
	if ttl == 0 {
		ttl = s.cfg.DefaultLeaseTTL
	}

	// The handler goroutine parks on the engine's waiter channel for up to
	// req.Wait; a dropped connection cancels the request context and
	// removes the waiter.
	leaseID, err := s.engine.Acquire(r.Context(), req.Demands, ttl, req.Wait.Std())
	if err != nil {
		if r.Context().Err() != nil {
			// Caller is gone, nobody reads the response.
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, protocol.AcquireResponse{LeaseID: leaseID})
}

// DELETE /leases/{id}
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Release(r.PathValue("id"))
	if errors.Is(err, sem.ErrLeaseNotFound) {
		// The post condition of the lease being gone holds either way, so
		// this stays a 200. Expiry racing an explicit release is routine.
		s.writeJSON(w, http.StatusOK, "Lease not found")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, "Lease released")
}

// PUT /leases/{id}
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TTL <= 0 {
		s.writeJSON(w, http.StatusBadRequest, protocol.Error{Error: "ttl must be > 0"})
		return
	}
	if err := s.engine.Heartbeat(r.PathValue("id"), req.TTL.Std()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, "Ok")
}

// GET /remainder?semaphore=name
func (s *Server) handleRemainder(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("semaphore")
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, protocol.Error{Error: "semaphore query parameter is required"})
		return
	}
	remainder, err := s.engine.Remainder(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, remainder)
}

// GET /snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// POST /remove_expired
func (s *Server) handleRemoveExpired(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.RemoveExpired())
}

// GET /events?pattern=jobs.*
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = ">"
	}
	sub, err := s.events.Subscribe(pattern)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, protocol.Error{Error: err.Error()})
		return
	}
	defer s.events.Unsubscribe(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, protocol.Error{Error: "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped for falling behind.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: lease\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, "Ok")
}
