// Package server is the daemon's HTTP surface: the inbound webhook, the health
// check and the token-guarded admin endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autoreply/internal/delivery"
	"autoreply/internal/pairing"
	"autoreply/internal/pipeline"
	rtsup "autoreply/internal/runtime/supervisor"
	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

const Version = "0.1.0"

type Config struct {
	Addr string
	// WebhookSecret, when set, must match the X-Webhook-Secret header.
	WebhookSecret string
	// AdminToken enables /admin and /debug/pprof. Empty disables them.
	AdminToken string
	// AllowInsecure permits a non-loopback bind with no webhook secret.
	AllowInsecure bool
	Model         string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// HealthTimeout bounds the delivery health check in /health.
	HealthTimeout time.Duration
}

// Submitter accepts a notification for background processing.
type Submitter interface {
	Submit(n pipeline.Notification) error
	Inflight() int64
}

// Contacts is the admin view of the access table. Nil disables the contact routes.
type Contacts interface {
	Approve(ctx context.Context, senderID string) (bool, error)
	ApproveByCode(ctx context.Context, code string) (string, bool, error)
	Block(ctx context.Context, senderID string) (bool, error)
	List(ctx context.Context, status pairing.Status) ([]pairing.Contact, error)
}

type Sessions interface {
	Reset(ctx context.Context, key, reason string) error
	Sessions() []session.Metadata
	Count() int
}

type Deps struct {
	Dispatcher Submitter
	Channel    delivery.Channel
	Contacts   Contacts
	Sessions   Sessions
	// Outcomes, if set, feeds the per-outcome counters in /health.
	Outcomes func() map[pipeline.Outcome]uint64
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	d   Deps

	secret atomic.Pointer[string]

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, d Deps, log logx.Logger) (*Server, error) {
	if d.Dispatcher == nil || d.Sessions == nil || d.Channel == nil {
		return nil, errors.New("server: dispatcher, sessions and channel are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, d: d, log: log}
	s.SetWebhookSecret(cfg.WebhookSecret)
	return s, nil
}

// SetWebhookSecret swaps the shared secret without restarting the listener.
func (s *Server) SetWebhookSecret(secret string) {
	v := strings.TrimSpace(secret)
	s.secret.Store(&v)
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/message", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)

	tok := strings.TrimSpace(s.cfg.AdminToken)
	if tok != "" {
		s.mountAdmin(mux, tok)
		mountPprof(mux, tok)
	}
	return mux
}

// Start binds the listener and serves in the background. A bind failure is
// returned here; later serve failures are retried with backoff.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8084"
	}
	if !s.cfg.AllowInsecure && *s.secret.Load() == "" && !isLoopbackAddr(addr) {
		s.log.Warn("webhook exposed on non-loopback addr without a secret", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.Component("http")),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	return nil
}

// Addr is the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}

	// After a serve failure the old listener is gone; rebind on the same address.
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("webhook_secret_set", *s.secret.Load() != ""),
		logx.Bool("admin_enabled", s.cfg.AdminToken != ""))

	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping = s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"status": "error", "detail": detail})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
