package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eribbey/redcarrd/work/logger"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by calls issued after the DevTools websocket
// dropped, which usually means the browser process died.
var ErrConnClosed = errors.New("devtools connection closed")

// message is one outbound DevTools protocol command.
type message struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// envelope is one inbound DevTools frame: either a command response
// (ID set) or an event (Method set).
type envelope struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *protocolError  `json:"error"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("devtools error %d: %s", e.Code, e.Message)
}

// Conn multiplexes DevTools protocol commands and events for every page
// session over the single browser websocket. Command responses are matched
// by id; events are dispatched to subscribers keyed by session and method.
//
// Event handlers run on the read loop goroutine: they must return quickly
// and must never issue Call (the response could not be read until the
// handler returns). Fire-and-forget sends are safe; see send.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *envelope
	subs    map[string]map[int64]func(params json.RawMessage)
	nextSub int64

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:      ws,
		pending: make(map[int64]chan *envelope),
		subs:    make(map[string]map[int64]func(json.RawMessage)),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop drains inbound frames until the websocket fails, then fails all
// in-flight calls so nothing blocks on a dead browser.
func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown()
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug("{browser/conn - readLoop} dropping undecodable frame: %v", err)
			continue
		}

		if env.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- &env
			}
			continue
		}

		if env.Method != "" {
			c.dispatch(&env)
		}
	}
}

func (c *Conn) dispatch(env *envelope) {
	key := env.SessionID + "\x00" + env.Method

	c.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(c.subs[key]))
	for _, fn := range c.subs[key] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(env.Params)
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			ch <- &envelope{Error: &protocolError{Message: ErrConnClosed.Error()}}
		}
		c.mu.Unlock()
	})
}

// Done is closed when the websocket drops.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the websocket down, unblocking every pending call.
func (c *Conn) Close() error {
	err := c.ws.Close()
	c.shutdown()
	return err
}

// Call issues one command on a session ("" targets the browser itself) and
// decodes its result. Blocks until the response, ctx expiry or connection
// loss, whichever comes first.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params, result any) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan *envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(message{ID: id, Method: method, Params: params, SessionID: sessionID}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			if env.Error.Message == ErrConnClosed.Error() {
				return fmt.Errorf("%s: %w", method, ErrConnClosed)
			}
			return fmt.Errorf("%s: %w", method, env.Error)
		}
		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s: %w", method, ErrConnClosed)
	}
}

// send issues a command without waiting for its response. The reply, when
// it arrives, finds no pending entry and is dropped. This is the only safe
// way to issue commands from inside an event handler (screencast frame
// acks), since handlers run on the read loop.
func (c *Conn) send(sessionID, method string, params any) error {
	id := c.nextID.Add(1)
	return c.write(message{ID: id, Method: method, Params: params, SessionID: sessionID})
}

func (c *Conn) write(msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Subscribe registers an event handler for a session+method pair and
// returns its cancel function. Handlers run on the read loop goroutine and
// must not block or Call.
func (c *Conn) Subscribe(sessionID, method string, fn func(params json.RawMessage)) func() {
	key := sessionID + "\x00" + method

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.subs[key] == nil {
		c.subs[key] = make(map[int64]func(json.RawMessage))
	}
	c.subs[key][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if handlers, ok := c.subs[key]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.subs, key)
			}
		}
		c.mu.Unlock()
	}
}
