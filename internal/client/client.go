// ABOUTME: Connecting-side RPC client used by the probe CLI and integration tests
// ABOUTME: Dials with exponential backoff; correlates responses to calls by ID

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/2389/mesh-gateway/internal/protocol"
)

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("client closed")

// Notification is a server-pushed message with no request ID.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Client is a connection to a gateway. One read loop demultiplexes
// responses to pending calls and pushes notifications onto a channel.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	closed  bool

	notifications chan Notification
	done          chan struct{}
}

// Dial connects to a gateway RPC endpoint, retrying with exponential
// backoff until the context is canceled.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	var conn *websocket.Conn

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(30*time.Second),
	), ctx)

	err := backoff.Retry(func() error {
		var err error
		conn, _, err = websocket.Dial(ctx, url, nil)
		if err != nil {
			logger.Debug("dial failed, retrying", "url", url, "error", err)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &Client{
		conn:          conn,
		logger:        logger,
		pending:       make(map[string]chan *protocol.Response),
		notifications: make(chan Notification, 64),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop routes inbound frames: responses to their pending call,
// notifications to the Notifications channel.
func (c *Client) readLoop() {
	defer c.shutdown()

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		// Batch responses arrive as arrays.
		if len(data) > 0 && data[0] == '[' {
			var responses []json.RawMessage
			if err := json.Unmarshal(data, &responses); err != nil {
				c.logger.Warn("unparseable batch frame", "error", err)
				continue
			}
			for _, raw := range responses {
				c.routeFrame(raw)
			}
			continue
		}
		c.routeFrame(data)
	}
}

func (c *Client) routeFrame(data []byte) {
	var probe struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Warn("unparseable frame", "error", err)
		return
	}

	if probe.Method != "" && len(probe.ID) == 0 {
		select {
		case c.notifications <- Notification{Method: probe.Method, Params: probe.Params}:
		default:
			c.logger.Warn("notification buffer full, dropping", "method", probe.Method)
		}
		return
	}

	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("unparseable response", "error", err)
		return
	}

	key := string(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		ch <- &resp
	}
}

// Call invokes a method and waits for its response. A non-nil error return
// covers transport and context failures; RPC-level errors come back in the
// response's Error field.
func (c *Client) Call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	id := c.nextID.Add(1)
	idRaw := json.RawMessage(strconv.FormatInt(id, 10))

	req := map[string]any{
		"jsonrpc": protocol.Version,
		"method":  method,
		"id":      id,
	}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	ch := make(chan *protocol.Response, 1)
	key := string(idRaw)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[key] = ch
	c.mu.Unlock()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a request with no ID; the server will not respond.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req := map[string]any{
		"jsonrpc": protocol.Version,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Authenticate performs the auth handshake for the given entity.
func (c *Client) Authenticate(ctx context.Context, token, entityID, entityType string, capabilities []string) error {
	resp, err := c.Call(ctx, "auth.authenticate", map[string]any{
		"token":        token,
		"entity_id":    entityID,
		"entity_type":  entityType,
		"capabilities": capabilities,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("authentication failed: %s", resp.Error.Message)
	}
	return nil
}

// Notifications returns the channel of server-pushed messages. The channel
// is closed when the connection ends.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// shutdown fails all pending calls and closes the notification channel.
// Called only from the read loop's defer, so no frame can be routed to the
// notification channel after it closes.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = make(map[string]chan *protocol.Response)
	c.mu.Unlock()

	close(c.done)
	close(c.notifications)
}

// Close ends the connection and waits for the read loop to wind down.
// Pending calls fail with ErrClientClosed.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")
	<-c.done
	return err
}
