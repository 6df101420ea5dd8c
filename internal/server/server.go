// Package server is the HTTP surface: the /ws upgrade endpoint feeding
// the connection pool, the story generation API, and the health,
// config and stats read endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/config"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/pool"
	"github.com/prats-2311/story-sign-sub001/internal/story"
)

var log = logging.L("server")

// Config tunes the HTTP listener.
type Config struct {
	Host string
	Port int
	// MaxConcurrent caps accepted TCP connections at the listener,
	// websockets and REST together. Zero means unlimited.
	MaxConcurrent     int
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8000,
		MaxConcurrent:     512,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
}

// Deps are the collaborators the handlers serve.
type Deps struct {
	Pool     *pool.Pool
	Stories  *story.Generator
	Analysis *analysis.Dispatcher
	Config   *config.Config
	Version  string
}

// Server routes HTTP and WebSocket traffic to the pool and the story
// generator.
type Server struct {
	cfg      Config
	deps     Deps
	router   *mux.Router
	http     *http.Server
	upgrader websocket.Upgrader

	startedAt time.Time

	mu       sync.Mutex
	listener net.Listener
}

func New(cfg Config, deps Deps) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from the learning frontend on another
			// origin; auth is not this layer's job.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		// Read and write timeouts stay off: websocket sessions and
		// story generation both outlive any sane fixed deadline. The
		// header timeout still guards the accept path.
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		Handler:           s.router,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/clients/{id}", s.handleClientInfo).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/asl-world/story/recognize_and_generate", s.handleStory).Methods(http.MethodPost)
	return r
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves until Shutdown. A nil return
// means a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.http.Addr, err)
	}
	if s.cfg.MaxConcurrent > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConcurrent)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info("http server listening",
		"addr", s.http.Addr,
		"maxConcurrent", s.cfg.MaxConcurrent)
	if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr reports the bound address, once Start has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting and waits for in-flight REST requests.
// Hijacked websocket connections are the pool's to close.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
