package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/imet/agent/process"
	"github.com/guseggert/imet/sample"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	DefaultListenAddr = "0.0.0.0:13337"

	// readLimit bounds a single envelope; uploaded samples are the largest messages.
	readLimit = 1 << 20
)

// Agent is the remote side of the console. It accepts WebSocket connections and answers
// each request envelope through its Router.
type Agent struct {
	logger *zap.SugaredLogger

	listenAddr        string
	keepaliveInterval time.Duration
	keepaliveTimeout  time.Duration

	router *Router

	httpServer *http.Server
	started    time.Time

	connsMut sync.Mutex
	conns    map[string]*conn
	// stopped refuses connections accepted after Stop
	stopped bool
	// handlers counts tracked connections whose handler hasn't returned yet
	handlers sync.WaitGroup
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

// WithKeepalive sets how often the agent pings each connection and how long it waits for
// the pong. A zero interval disables agent-side pings.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(a *Agent) {
		a.keepaliveInterval = interval
		a.keepaliveTimeout = timeout
	}
}

func WithExecutor(e process.Executor) Option {
	return func(a *Agent) {
		a.router.Executor = e
	}
}

func WithCompleter(c process.Completer) Option {
	return func(a *Agent) {
		a.router.Completer = c
	}
}

func WithCatalogue(c Catalogue) Option {
	return func(a *Agent) {
		a.router.Samples = c
	}
}

// NewAgent constructs an agent. Without options it listens on DefaultListenAddr, runs
// fragments with /bin/sh and serves samples from ./samples.
func NewAgent(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	shell := &process.Shell{}
	a := &Agent{
		logger:            logger.Named("agent").Sugar(),
		listenAddr:        DefaultListenAddr,
		started:           time.Now(),
		keepaliveInterval: 20 * time.Second,
		keepaliveTimeout:  10 * time.Second,
		router: &Router{
			Executor:  shell,
			Completer: shell,
			Samples:   sample.NewCatalogue("samples"),
		},
		conns: map[string]*conn{},
	}
	for _, o := range opts {
		o(a)
	}
	a.router.Log = a.logger.Named("router")
	if shell.Log == nil {
		shell.Log = a.logger.Named("process")
	}
	return a, nil
}

// Handler returns the agent's HTTP handler: "/" upgrades to the envelope WebSocket and
// "/heartbeat" reports liveness as JSON.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", a.serveWS)
	router.GET("/heartbeat", a.heartbeat)
	return router
}

// Run listens on the configured address and serves until Stop is called.
func (a *Agent) Run() error {
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return a.Serve(l)
}

// Serve serves on l until Stop is called.
func (a *Agent) Serve(l net.Listener) error {
	a.connsMut.Lock()
	a.started = time.Now()
	a.httpServer = &http.Server{Handler: a.Handler()}
	server := a.httpServer
	a.connsMut.Unlock()

	a.logger.Infof("listening on %s", l.Addr())
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and every live connection, and waits for their handlers to return.
func (a *Agent) Stop() error {
	a.connsMut.Lock()
	a.stopped = true
	server := a.httpServer
	conns := make([]*conn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.connsMut.Unlock()

	var err error
	if server != nil {
		err = server.Close()
	}

	// hijacked WebSocket connections aren't closed by the HTTP server
	var group errgroup.Group
	for _, c := range conns {
		c := c
		group.Go(func() error {
			c.close(websocket.StatusGoingAway, "agent stopping")
			return nil
		})
	}
	_ = group.Wait()
	a.handlers.Wait()
	return err
}

// Connections returns a snapshot of the live connections, ordered by remote address.
func (a *Agent) Connections() []ConnInfo {
	a.connsMut.Lock()
	defer a.connsMut.Unlock()
	out := make([]ConnInfo, 0, len(a.conns))
	for _, c := range a.conns {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteAddr < out[j].RemoteAddr })
	return out
}

// track registers a live connection. It returns false once the agent is stopping.
func (a *Agent) track(c *conn) bool {
	a.connsMut.Lock()
	if a.stopped {
		a.connsMut.Unlock()
		return false
	}
	a.conns[c.info.ID] = c
	a.handlers.Add(1)
	n := len(a.conns)
	a.connsMut.Unlock()
	a.logger.Infow("new connection", "Conn", c.info.ID, "RemoteAddr", c.info.RemoteAddr, "Live", n)
	return true
}

func (a *Agent) untrack(c *conn) {
	a.connsMut.Lock()
	_, ok := a.conns[c.info.ID]
	delete(a.conns, c.info.ID)
	n := len(a.conns)
	a.connsMut.Unlock()
	if ok {
		a.logger.Infow("connection closed", "Conn", c.info.ID, "RemoteAddr", c.info.RemoteAddr, "Live", n)
		a.handlers.Done()
	}
}

type heartbeatResponse struct {
	Connections int
	Started     string
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.connsMut.Lock()
	resp := heartbeatResponse{
		Connections: len(a.conns),
		Started:     a.started.UTC().Format(time.RFC3339),
	}
	a.connsMut.Unlock()
	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
