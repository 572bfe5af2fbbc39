/*
Package client holds the console's connection to an agent.

A Session owns at most one WebSocket link at a time. While connected it keeps a reader
goroutine draining the link and a heartbeat goroutine pinging the agent; when either one
sees the link fail, the session drops back to Disconnected and reports the loss through the
OnLost callback. Closing the link locally never reports a loss.
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/imet/envelope"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	DefaultPort = "13337"

	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second

	readLimit = 1 << 20
	// responses nobody is waiting for are dropped once this many are queued
	frameBuffer = 16
)

var ErrNotConnected = errors.New("not connected")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TransportError is returned when the link itself fails, as opposed to the agent answering
// with an error envelope.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Session struct {
	log *zap.SugaredLogger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	onLost            func(addr string, err error)

	// transitionMut serializes Connect and Disconnect.
	transitionMut sync.Mutex
	// requestMut allows a single request in flight.
	requestMut sync.Mutex

	mut   sync.Mutex
	state State
	addr  string
	link  *link

	pings atomic.Int64
}

type Option func(s *Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.log = l.Named("session").Sugar()
	}
}

// WithHeartbeat sets the ping interval and how long to wait for each pong.
// A zero interval disables the heartbeat.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Session) {
		s.heartbeatInterval = interval
		s.heartbeatTimeout = timeout
	}
}

// WithOnLost sets the callback invoked, from a session goroutine, after the link to addr
// fails on its own. The session is already Disconnected when it runs.
func WithOnLost(f func(addr string, err error)) Option {
	return func(s *Session) {
		s.onLost = f
	}
}

func NewSession(opts ...Option) *Session {
	s := &Session{
		log:               zap.NewNop().Sugar(),
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// Addr returns the address of the current link, or "" when disconnected.
func (s *Session) Addr() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.addr
}

func (s *Session) Connected() bool {
	return s.State() == Connected
}

// URL turns a console address into an agent WebSocket URL. A bare "host" or "host:port" is
// treated as ws://, and the port defaults to DefaultPort.
func URL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("empty address")
	}
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", addr)
	}
	if u.Port() == "" && u.Scheme == "ws" {
		u.Host = u.Host + ":" + DefaultPort
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Connect opens a link to the agent at addr, closing any existing link first.
// On failure the session is left Disconnected.
func (s *Session) Connect(ctx context.Context, addr string) error {
	s.transitionMut.Lock()
	defer s.transitionMut.Unlock()

	u, err := URL(addr)
	if err != nil {
		return &TransportError{Op: "connect", Addr: addr, Err: err}
	}

	s.mut.Lock()
	old := s.link
	s.link = nil
	s.state = Connecting
	s.addr = addr
	s.mut.Unlock()

	if old != nil {
		s.log.Debugw("closing previous link", "Addr", old.addr)
		old.close(s.log)
	}

	ws, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		s.mut.Lock()
		s.state = Disconnected
		s.addr = ""
		s.mut.Unlock()
		return &TransportError{Op: "connect", Addr: addr, Err: err}
	}
	ws.SetReadLimit(readLimit)

	l := newLink(ws, addr)
	s.mut.Lock()
	s.link = l
	s.state = Connected
	s.mut.Unlock()

	l.start(s)
	s.log.Infow("connected", "Addr", addr, "URL", u)
	return nil
}

// Disconnect closes the current link, if any. The session always ends Disconnected.
func (s *Session) Disconnect() {
	s.transitionMut.Lock()
	defer s.transitionMut.Unlock()

	s.mut.Lock()
	l := s.link
	s.link = nil
	s.state = Disconnected
	s.addr = ""
	s.mut.Unlock()

	if l == nil {
		return
	}
	l.close(s.log)
	s.log.Infow("disconnected", "Addr", l.addr)
}

func (s *Session) current() (*link, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.link == nil {
		return nil, ErrNotConnected
	}
	return s.link, nil
}

// Send writes one envelope to the agent.
func (s *Session) Send(ctx context.Context, env envelope.Envelope) error {
	l, err := s.current()
	if err != nil {
		return err
	}
	b, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := l.ws.Write(ctx, websocket.MessageBinary, b); err != nil {
		return &TransportError{Op: "send", Addr: l.addr, Err: err}
	}
	return nil
}

// Receive waits for the next envelope from the agent.
func (s *Session) Receive(ctx context.Context) (envelope.Envelope, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-l.frames:
		if !ok {
			return nil, &TransportError{Op: "receive", Addr: l.addr, Err: l.readErr}
		}
		env, err := envelope.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("agent sent an invalid response: %w", err)
		}
		return env, nil
	}
}

// Request sends req and waits for its response. Only one request is in flight at a time;
// responses left over from earlier abandoned requests are discarded first.
func (s *Session) Request(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	s.requestMut.Lock()
	defer s.requestMut.Unlock()

	if l, err := s.current(); err == nil {
		l.drain(s.log)
	}
	if err := s.Send(ctx, req); err != nil {
		return nil, err
	}
	resp, err := s.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if resp.ActionName() != req.ActionName() {
		s.log.Warnw("response action does not match request", "Request", req.ActionName(), "Response", resp.ActionName())
	}
	return resp, nil
}

// lost handles a link failing on its own. It's a no-op if l is no longer the current link,
// which is the case when the session closed it deliberately.
func (s *Session) lost(l *link, err error) {
	s.mut.Lock()
	if s.link != l {
		s.mut.Unlock()
		return
	}
	s.link = nil
	s.state = Disconnected
	s.addr = ""
	s.mut.Unlock()

	l.abort()
	s.log.Infow("link lost", "Addr", l.addr, "Error", err)
	if s.onLost != nil {
		s.onLost(l.addr, err)
	}
}

// link is one WebSocket connection and the goroutines serving it.
type link struct {
	ws   *websocket.Conn
	addr string

	// frames carries binary messages from the reader. It is closed when the reader exits,
	// after readErr is set.
	frames  chan []byte
	readErr error

	readCtx    context.Context
	readCancel context.CancelFunc
	readDone   chan struct{}

	hbCtx    context.Context
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

func newLink(ws *websocket.Conn, addr string) *link {
	l := &link{
		ws:       ws,
		addr:     addr,
		frames:   make(chan []byte, frameBuffer),
		readDone: make(chan struct{}),
		hbDone:   make(chan struct{}),
	}
	l.readCtx, l.readCancel = context.WithCancel(context.Background())
	l.hbCtx, l.hbCancel = context.WithCancel(context.Background())
	return l
}

func (l *link) start(s *Session) {
	go func() {
		defer close(l.readDone)
		l.read(s)
	}()
	go func() {
		defer close(l.hbDone)
		if s.heartbeatInterval > 0 {
			l.heartbeat(s)
		}
	}()
}

func (l *link) read(s *Session) {
	defer close(l.frames)
	for {
		typ, b, err := l.ws.Read(l.readCtx)
		if err != nil {
			l.readErr = err
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = errors.New("agent closed the connection")
			}
			s.lost(l, err)
			return
		}
		if typ != websocket.MessageBinary {
			s.log.Debugw("ignoring non-binary message", "Addr", l.addr, "Type", typ)
			continue
		}
		select {
		case l.frames <- b:
		default:
			s.log.Warnw("dropping unexpected response", "Addr", l.addr)
		}
	}
}

func (l *link) heartbeat(s *Session) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.hbCtx.Done():
			return
		case <-ticker.C:
		}
		s.pings.Add(1)
		ctx, cancel := context.WithTimeout(l.hbCtx, s.heartbeatTimeout)
		err := l.ws.Ping(ctx)
		cancel()
		if err != nil {
			if l.hbCtx.Err() != nil {
				return
			}
			s.lost(l, fmt.Errorf("heartbeat failed: %w", err))
			return
		}
	}
}

// drain discards queued responses.
func (l *link) drain(log *zap.SugaredLogger) {
	for {
		select {
		case _, ok := <-l.frames:
			if !ok {
				return
			}
			log.Debugw("discarding stale response", "Addr", l.addr)
		default:
			return
		}
	}
}

// abort stops the link's goroutines without waiting for them. Safe to call from them.
func (l *link) abort() {
	l.hbCancel()
	l.readCancel()
}

// close shuts the link down gracefully and waits for its goroutines.
func (l *link) close(log *zap.SugaredLogger) {
	l.hbCancel()
	<-l.hbDone

	err := l.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		log.Debugw("error closing link", "Addr", l.addr, "Error", err)
	}
	l.readCancel()
	<-l.readDone
}
