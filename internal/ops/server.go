// Package ops exposes the scheduler's observability and admin surface over
// HTTP: health, metrics, per-carrier state, pause/resume, and queue clearing.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"trackgate/internal/carrier"
	"trackgate/internal/sched"
	logx "trackgate/pkg/logx"
)

type Config struct {
	Enabled      bool
	Addr         string
	RatePerSec   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	log logx.Logger
	sch *sched.Scheduler
	reg *carrier.Registry

	mu  sync.Mutex
	cfg Config
	srv *http.Server
}

func New(cfg Config, sch *sched.Scheduler, reg *carrier.Registry, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8662"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	return &Server{log: log, sch: sch, reg: reg, cfg: cfg}
}

// Start binds and serves in a background goroutine. Idempotent.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server exited", logx.Err(err))
		}
	}()

	s.log.Info("ops server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.throttle())

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/carriers", s.handleCarriers)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/clear", s.handleClear)
		r.Post("/reset-auth", s.handleResetAuth)
	})
	return r
}

// throttle caps inbound request rate with a token bucket. The ops surface is
// cheap but the metrics snapshot does round-trip through the scheduler loop.
func (s *Server) throttle() func(http.Handler) http.Handler {
	lim := rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sn := s.sch.GetMetrics()
	code := http.StatusOK
	if sn.Health == sched.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"health": sn.Health})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sch.GetMetrics())
}

func (s *Server) handleCarriers(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	out := make([]carrier.Status, 0, 4)
	for _, p := range s.reg.All() {
		out = append(out, p.Status(now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sch.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sch.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

// handleClear drops queued work: all of it, or one carrier's with ?carrier=.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("carrier"))
	if name == "" {
		dropped := s.sch.Clear()
		writeJSON(w, http.StatusOK, map[string]any{"dropped": dropped})
		return
	}
	id, err := carrier.ParseID(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dropped := s.sch.ClearCarrier(id)
	writeJSON(w, http.StatusOK, map[string]any{"carrier": id.String(), "dropped": dropped})
}

// handleResetAuth clears a carrier's auth-failure latch after credentials
// were fixed out of band.
func (s *Server) handleResetAuth(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("carrier"))
	id, err := carrier.ParseID(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, ok := s.reg.Get(id)
	if !ok {
		http.Error(w, "carrier not registered", http.StatusNotFound)
		return
	}
	p.ResetAuth()
	s.log.Info("auth latch reset", logx.String("carrier", id.String()))
	writeJSON(w, http.StatusOK, map[string]any{"carrier": id.String(), "reset": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
