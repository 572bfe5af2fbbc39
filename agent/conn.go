package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/imet/envelope"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// conn is one accepted console connection.
// Requests are answered strictly in order, one at a time.
type conn struct {
	info ConnInfo
	ws   *websocket.Conn
	log  *zap.SugaredLogger

	// cancel aborts the request being handled and the conn's goroutines
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type frame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

func (a *Agent) serveWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		// Accept has already written the HTTP error response
		a.logger.Debugf("WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	// hijacked requests aren't cancelled when the peer goes away
	ctx, cancel := context.WithCancel(r.Context())
	id := uuid.NewString()
	c := &conn{
		info:   ConnInfo{ID: id, RemoteAddr: r.RemoteAddr},
		ws:     wsConn,
		log:    a.logger.Named("conn").With("Conn", id),
		cancel: cancel,
	}

	if !a.track(c) {
		c.log.Debug("refusing connection, agent is stopping")
		cancel()
		_ = wsConn.Close(websocket.StatusGoingAway, "agent stopping")
		return
	}
	defer a.untrack(c)

	a.dispatch(ctx, c)
}

// dispatch runs the receive loop of a connection until the peer goes away or sends something
// that isn't an envelope. The connection is always closed on return.
func (a *Agent) dispatch(ctx context.Context, c *conn) {
	var wg sync.WaitGroup

	code, reason := websocket.StatusNormalClosure, ""
	defer func() {
		c.close(code, reason)
		wg.Wait()
	}()

	frames := make(chan frame)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(frames)
		c.readFrames(ctx, frames)
	}()

	if a.keepaliveInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.keepalive(ctx, a.keepaliveInterval, a.keepaliveTimeout)
		}()
	}

	for f := range frames {
		if f.err != nil {
			if status := websocket.CloseStatus(f.err); status != -1 {
				c.log.Debugw("peer closed connection", "Status", status)
			} else if !errors.Is(f.err, context.Canceled) {
				c.log.Debugf("read error: %s", f.err)
				code, reason = websocket.StatusInternalError, "read failed"
			}
			return
		}
		if f.typ != websocket.MessageBinary {
			code, reason = websocket.StatusUnsupportedData, "expected binary envelope"
			return
		}
		req, err := envelope.Decode(f.data)
		if err != nil {
			c.log.Debugf("dropping connection after undecodable frame: %s", err)
			code, reason = websocket.StatusInvalidFramePayloadData, "invalid envelope"
			return
		}

		resp, ok := a.handle(ctx, c, req)
		if !ok {
			continue
		}
		b, err := envelope.Encode(resp)
		if err != nil {
			c.log.Errorw("encoding response", "Action", req.ActionName(), "Error", err)
			b, err = envelope.Encode(envelope.Failure(req.Action(), "internal error: unable to encode response"))
			if err != nil {
				code, reason = websocket.StatusInternalError, "encode failed"
				return
			}
		}
		if err := c.ws.Write(ctx, websocket.MessageBinary, b); err != nil {
			c.log.Debugf("write error: %s", err)
			code, reason = websocket.StatusInternalError, "write failed"
			return
		}
	}
}

// handle routes one request. A panicking handler is answered with an error envelope.
func (a *Agent) handle(ctx context.Context, c *conn, req envelope.Envelope) (resp envelope.Envelope, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Errorw("handler panicked", "Action", req.ActionName(), "Panic", p)
			resp, ok = envelope.Failuref(req.Action(), "internal error: %v", p), true
		}
	}()
	c.log.Debugw("received request", "Action", req.ActionName())
	return a.router.Route(ctx, c.info, req)
}

// readFrames owns all reads on the connection. Reading continuously keeps pings and pongs
// flowing while a request is being handled.
func (c *conn) readFrames(ctx context.Context, out chan<- frame) {
	for {
		typ, b, err := c.ws.Read(ctx)
		select {
		case out <- frame{typ: typ, data: b, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) keepalive(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.ws.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Infow("keepalive failed, closing connection", "Error", err)
			c.close(websocket.StatusGoingAway, "keepalive timeout")
			return
		}
	}
}

// close sends a close frame and then cancels the conn's context. The order matters: a
// cancelled read tears the conn down without a close frame.
func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		err := c.ws.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
	c.cancel()
}
