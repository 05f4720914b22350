// Package api exposes onboarding sessions over HTTP so dashboards and test
// harnesses can drive the same operations a screen would.
//
// Every running session is an onboarding.Flow held in an in-process registry and
// addressed by a random handle. Routes are served by a gorilla/mux router.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/PrayerPipe/internal/onboarding"
	"github.com/BTreeMap/PrayerPipe/internal/util"
)

// Default timeouts of the HTTP server.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
)

// ErrFlowNotFound is returned for an unknown flow handle.
var ErrFlowNotFound = errors.New("flow not found")

// FlowFactory builds an unstarted flow for userID.
type FlowFactory func(ctx context.Context, userID string) (*onboarding.Flow, error)

// Opts configures a Server.
type Opts struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithRequestTimeout bounds the context handed to flow operations.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithShutdownTimeout bounds graceful shutdown in Run.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

type session struct {
	handle string
	userID string
	flow   *onboarding.Flow
	// mu serializes operations on one flow; the machine expects a single caller.
	mu sync.Mutex
}

// Server is the host API.
type Server struct {
	cfg     Opts
	factory FlowFactory
	router  *mux.Router

	mu       sync.Mutex
	sessions map[string]*session
	byUser   map[string]string
	opening  map[string]*pendingOpen
}

// pendingOpen is a flow being built and started for one user. Concurrent
// creates for that user wait on done instead of starting a second flow.
type pendingOpen struct {
	done chan struct{}
	sess *session
	err  error
}

// NewServer creates a Server that builds flows with factory.
func NewServer(factory FlowFactory, opts ...Option) *Server {
	cfg := Opts{RequestTimeout: DefaultRequestTimeout, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		cfg:      cfg,
		factory:  factory,
		sessions: make(map[string]*session),
		byUser:   make(map[string]string),
		opening:  make(map[string]*pendingOpen),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/flows", s.listFlowsHandler).Methods(http.MethodGet)
	r.HandleFunc("/flows", s.createFlowHandler).Methods(http.MethodPost)

	f := r.PathPrefix("/flows/{id}").Subrouter()
	f.HandleFunc("", s.snapshotHandler).Methods(http.MethodGet)
	f.HandleFunc("", s.deleteFlowHandler).Methods(http.MethodDelete)
	f.HandleFunc("/next", s.nextHandler).Methods(http.MethodPost)
	f.HandleFunc("/previous", s.previousHandler).Methods(http.MethodPost)
	f.HandleFunc("/skip", s.skipHandler).Methods(http.MethodPost)
	f.HandleFunc("/data", s.saveDataHandler).Methods(http.MethodPost)
	f.HandleFunc("/steps/{step}", s.stepDataHandler).Methods(http.MethodGet)
	f.HandleFunc("/draft", s.saveDraftHandler).Methods(http.MethodPut)
	f.HandleFunc("/pause", s.pauseHandler).Methods(http.MethodPost)
	f.HandleFunc("/resume", s.resumeHandler).Methods(http.MethodPost)
	f.HandleFunc("/restart", s.restartHandler).Methods(http.MethodPost)
	f.HandleFunc("/complete", s.completeHandler).Methods(http.MethodPost)
	f.HandleFunc("/retry", s.retryHandler).Methods(http.MethodPost)
	f.HandleFunc("/clear-error", s.clearErrorHandler).Methods(http.MethodPost)
	f.HandleFunc("/events", s.eventHandler).Methods(http.MethodPost)
	f.HandleFunc("/deeplink", s.deepLinkHandler).Methods(http.MethodPost)
	f.HandleFunc("/sync", s.syncHandler).Methods(http.MethodPost)
	f.HandleFunc("/lifecycle", s.lifecycleHandler).Methods(http.MethodPost)

	for _, router := range []*mux.Router{r, f} {
		router.NotFoundHandler = http.HandlerFunc(notFoundHandler)
		router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)
	}
	return r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down and stops every flow.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Run: listener failed", "addr", addr, "error", err)
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close(shutdownCtx)
	if err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return fmt.Errorf("api shutdown failed: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}

// Close stops every registered flow.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.byUser = make(map[string]string)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if err := sess.flow.Stop(ctx); err != nil {
			slog.Warn("Server.Close: flow stop failed", "handle", sess.handle, "error", err)
		}
		sess.mu.Unlock()
	}
}

// open returns the session of userID, creating and starting a flow when none is
// registered. created reports whether a new flow was started. At most one flow
// is started per user at a time.
func (s *Server) open(ctx context.Context, userID string) (sess *session, created bool, err error) {
	s.mu.Lock()
	if handle, ok := s.byUser[userID]; ok {
		sess = s.sessions[handle]
		s.mu.Unlock()
		return sess, false, nil
	}
	if p, ok := s.opening[userID]; ok {
		s.mu.Unlock()
		select {
		case <-p.done:
			if p.err != nil {
				return nil, false, p.err
			}
			return p.sess, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	p := &pendingOpen{done: make(chan struct{})}
	s.opening[userID] = p
	s.mu.Unlock()

	sess, err = s.start(ctx, userID)

	s.mu.Lock()
	delete(s.opening, userID)
	if err == nil {
		s.sessions[sess.handle] = sess
		s.byUser[userID] = sess.handle
	}
	p.sess, p.err = sess, err
	close(p.done)
	s.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	slog.Info("Server.open: flow started", "handle", sess.handle, "userID", userID, "state", sess.flow.Snapshot().CurrentState)
	return sess, true, nil
}

func (s *Server) start(ctx context.Context, userID string) (*session, error) {
	f, err := s.factory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}
	if err := f.Start(ctx); err != nil {
		f.Abandon()
		return nil, fmt.Errorf("failed to start flow: %w", err)
	}
	return &session{handle: util.GenerateFlowHandle(), userID: userID, flow: f}, nil
}

func (s *Server) lookup(handle string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, handle)
	}
	return sess, nil
}

func (s *Server) remove(handle string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, handle)
	}
	delete(s.sessions, handle)
	delete(s.byUser, sess.userID)
	return sess, nil
}

// crashed drops a session whose operation panicked. The flow is abandoned
// without preserving its state so the crash record stays for the next open.
func (s *Server) crashed(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.handle] == sess {
		delete(s.sessions, sess.handle)
		delete(s.byUser, sess.userID)
	}
	s.mu.Unlock()
	sess.flow.Abandon()
}

// FlowInfo is one entry of the flow listing.
type FlowInfo struct {
	Handle   string              `json:"handle"`
	UserID   string              `json:"user_id,omitempty"`
	Snapshot onboarding.Snapshot `json:"snapshot"`
}

func (s *Server) list() []FlowInfo {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].handle < sessions[j].handle })

	out := make([]FlowInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, FlowInfo{Handle: sess.handle, UserID: sess.userID, Snapshot: sess.flow.Snapshot()})
	}
	return out
}
