package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidecar/internal/status"
)

// Backend is the read-only view of the supervised backend the API exposes.
type Backend interface {
	Port() uint16
	PID() int
	Restarts() int
	StateName() string
}

// Statuses is where published statuses are read from.
type Statuses interface {
	Latest() (status.Record, bool)
	Subscribe() (<-chan status.Record, func())
}

// Router provides embeddable HTTP handlers for the host UI.
// Endpoints:
//
//	GET {basePath}/port     {"port": N}
//	GET {basePath}/status   the last published backend-status
//	GET {basePath}/backend  supervisor details (state, pid, restarts)
//	GET {basePath}/events   Server-Sent Events named backend-status
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	backend  Backend
	statuses Statuses
	basePath string
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, s Statuses, basePath string) *Router {
	return &Router{
		backend:   b,
		statuses:  s,
		basePath:  sanitizeBase(basePath),
		Heartbeat: 15 * time.Second,
		closed:    make(chan struct{}),
	}
}

// Close ends every open event stream. An http.Server only waits for idle
// connections on shutdown, and a stream never goes idle on its own.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// Register mounts the routes on an existing gin engine or group.
func (r *Router) Register(g gin.IRouter) {
	group := g.Group(r.basePath)
	group.GET("/port", r.handlePort)
	group.GET("/status", r.handleStatus)
	group.GET("/backend", r.handleBackend)
	group.GET("/events", r.handleEvents)
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g)
	return g
}

// Server is the standalone HTTP server of the status API.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	router *Router
}

// NewServer listens on addr and serves the router in the background. Bind
// errors are returned immediately.
func NewServer(addr string, r *Router) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /events streams indefinitely
		IdleTimeout: 60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return &Server{srv: srv, ln: ln, router: r}, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting requests and ends open event streams, then waits
// for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.router.Close()
	err := s.srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return s.srv.Close()
	}
	return err
}

// --- Handlers ---

type portResp struct {
	Port uint16 `json:"port"`
}

type backendResp struct {
	Port     uint16 `json:"port"`
	PID      int    `json:"pid"`
	Restarts int    `json:"restarts"`
	State    string `json:"state"`
	Ready    bool   `json:"ready"`
}

func (r *Router) handlePort(c *gin.Context) {
	writeJSON(c, http.StatusOK, portResp{Port: r.backend.Port()})
}

func (r *Router) current() status.BackendStatus {
	if rec, ok := r.statuses.Latest(); ok {
		return rec.Status
	}
	return status.NotReady(r.backend.Port(), "")
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.current())
}

func (r *Router) handleBackend(c *gin.Context) {
	writeJSON(c, http.StatusOK, backendResp{
		Port:     r.backend.Port(),
		PID:      r.backend.PID(),
		Restarts: r.backend.Restarts(),
		State:    r.backend.StateName(),
		Ready:    r.current().Ready,
	})
}

func (r *Router) handleEvents(c *gin.Context) {
	ch, cancel := r.statuses.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// clients connecting before the first transition still learn the port
	if _, ok := r.statuses.Latest(); !ok {
		c.SSEvent(status.EventName, r.current())
		c.Writer.Flush()
	}

	hb := time.NewTicker(r.Heartbeat)
	defer hb.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-r.closed:
			return false
		case rec, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(status.EventName, rec.Status)
			return true
		case <-hb.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		}
	})
}
