// Package debug serves pprof and scheduler diagnostics over HTTP.
//
// Endpoints:
//   - /debug/pprof/...      runtime profiles
//   - /debug/scheduler      JSON scheduler snapshot
//   - /debug/runs?limit=N   recent journal records (404 when storage is off)
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"tasksched/internal/storage"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

const (
	DefaultAddr     = "127.0.0.1:6060"
	defaultRunLimit = 50
	maxRunLimit     = 1000
	shutdownTimeout = 2 * time.Second
)

type Config struct {
	Enabled       bool
	Addr          string
	AllowInsecure bool

	BlockProfileRate     int
	MutexProfileFraction int
}

func (c Config) withDefaults() Config {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	return c
}

// Sources supplies the data behind the JSON endpoints.
type Sources struct {
	Snapshot func() scheduler.Snapshot
	// Runs is nil when storage is disabled.
	Runs func(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

type Server struct {
	log logx.Logger
	src Sources

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{src: src, log: log}
}

// Apply starts, stops or moves the listener to match cfg. Profiling rates are
// applied even when the server is disabled. Safe to call on every reload.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if !cfg.AllowInsecure && !isLoopbackAddr(cfg.Addr) {
		s.stopLocked(ctx)
		return errors.New("debug: binding to a non-loopback addr requires allow_insecure=true")
	}
	if s.srv != nil && s.addr == cfg.Addr {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.srv, s.ln = srv, ln
	// Keep the configured addr so a ":0" config is not restarted on every
	// reload; Addr reports the bound one.
	s.addr = cfg.Addr

	bound := ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("debug server error", logx.String("addr", bound), logx.Err(err))
		}
	}()
	s.log.Info("debug server enabled", logx.String("addr", bound))
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	mux.HandleFunc("GET /debug/scheduler", s.handleSnapshot)
	mux.HandleFunc("GET /debug/runs", s.handleRuns)
	return mux
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.src.Snapshot == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, s.src.Snapshot())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.src.Runs == nil {
		http.Error(w, "storage disabled", http.StatusNotFound)
		return
	}
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunLimit)
	}
	runs, err := s.src.Runs(r.Context(), limit)
	if err != nil {
		s.log.Warn("debug runs query failed", logx.Err(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Stop shuts the listener down if it is running.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln := s.srv, s.ln
	addr := ln.Addr().String()
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil || ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("debug server shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("debug server disabled", logx.String("addr", addr))
}

// Addr reports the bound listen address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
