// Package tunnel carries relay traffic between an agent and the inspector
// over one long-lived WebSocket.
package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	RegisterPath = "/api/agents/register"
	RelayPath    = "/relay"

	keepalivePing = "ping"
	keepalivePong = "pong"

	writeWait = 10 * time.Second
	// maxPending bounds the outbox while the inspector is slow to read.
	// Frames past it are dropped.
	maxPending = 4096
)

var ErrNotConnected = errors.New("tunnel: not connected")

// Register announces the agent to the inspector and returns the relay path
// to dial.
func Register(ctx context.Context, client *http.Client, baseURL string, req types.RegisterRequest, header http.Header) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+RegisterPath, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	for k, v := range header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res types.RegisterResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&res)
	if res.Error != "" {
		return "", fmt.Errorf("server error: %s", res.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned status: %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", decodeErr
	}
	if res.RelayPath == "" {
		res.RelayPath = RelayPath
	}
	return res.RelayPath, nil
}

// RelayURL turns the inspector base URL into the agent's relay WebSocket URL.
func RelayURL(baseURL, relayPath, agentID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported inspector scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + relayPath
	u.RawQuery = url.Values{"agent": {agentID}}.Encode()
	return u.String(), nil
}

// Tunnel keeps a relay connection to the inspector open, reconnecting after
// failures. It implements relay.Channel.
//
// Writes go through an outbox drained by one writer goroutine per
// connection, so Send never waits on the network.
type Tunnel struct {
	url       string
	header    http.Header
	logger    *zap.Logger
	retry     time.Duration
	keepalive time.Duration
	writeWait time.Duration
	onState   func(connected bool, err error)

	mu        sync.Mutex
	connected bool
	outbox    *queue.Queue
	dropped   int
	wake      chan struct{}

	hmu     sync.RWMutex
	handler func([]byte)
}

type Option func(*Tunnel)

func WithLogger(l *zap.Logger) Option {
	return func(t *Tunnel) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(t *Tunnel) { t.header = h.Clone() }
}

func WithRetryInterval(d time.Duration) Option {
	return func(t *Tunnel) { t.retry = d }
}

func WithKeepaliveInterval(d time.Duration) Option {
	return func(t *Tunnel) { t.keepalive = d }
}

// WithWriteTimeout bounds a single frame write. A peer that stops reading
// for longer loses the connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Tunnel) { t.writeWait = d }
}

// WithStateFunc is called from the tunnel goroutine on every connect and
// disconnect.
func WithStateFunc(fn func(connected bool, err error)) Option {
	return func(t *Tunnel) { t.onState = fn }
}

func New(relayURL string, opts ...Option) *Tunnel {
	t := &Tunnel{
		url:       relayURL,
		logger:    zap.NewNop(),
		retry:     5 * time.Second,
		keepalive: 30 * time.Second,
		writeWait: writeWait,
		onState:   func(bool, error) {},
		outbox:    queue.New(),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("tunnel")
	return t
}

// Send queues v as JSON and returns without waiting for the write. It fails
// with ErrNotConnected between connections; the frame is discarded.
func (t *Tunnel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.enqueue(data)
	return nil
}

// enqueue must be called with mu held.
func (t *Tunnel) enqueue(data []byte) {
	if t.outbox.Length() >= maxPending {
		t.dropped++
		if t.dropped == 1 || t.dropped%1000 == 0 {
			t.logger.Warn("outbox full, dropping frames", zap.Int("dropped", t.dropped))
		}
		return
	}
	t.outbox.Add(data)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest queued frame.
func (t *Tunnel) next() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outbox.Length() == 0 {
		return nil, false
	}
	return t.outbox.Remove().([]byte), true
}

// OnReceive sets the handler for inbound messages. It runs on the read
// goroutine and must not block.
func (t *Tunnel) OnReceive(h func([]byte)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.handler = h
}

func (t *Tunnel) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Run connects and serves until ctx is done, retrying after failures.
func (t *Tunnel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			t.logger.Info("shutting down")
			return nil
		}

		t.logger.Info("connecting", zap.String("url", t.url))
		err := t.connectAndServe(ctx)
		if ctx.Err() != nil {
			t.logger.Info("shutting down")
			return nil
		}
		t.logger.Warn("disconnected, retrying", zap.Error(err), zap.Duration("in", t.retry))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(t.retry):
		}
	}
}

func (t *Tunnel) connectAndServe(ctx context.Context) error {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.dropped = 0
	t.mu.Unlock()
	t.logger.Info("tunnel established")
	t.onState(true, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(stop)
		t.mu.Lock()
		t.connected = false
		lost := t.outbox.Length()
		t.outbox = queue.New()
		t.mu.Unlock()
		c.Close()
		wg.Wait()
		if lost > 0 {
			t.logger.Debug("unsent frames discarded", zap.Int("frames", lost))
		}
	}()

	// Close WebSocket when shutdown signal received. WriteControl may run
	// alongside the writer.
	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-stop:
		case <-ctx.Done():
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			c.Close()
		}
	}()

	go func() {
		defer wg.Done()
		t.writeLoop(c, stop)
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			t.onState(false, err)
			return err
		}
		// Ignore keepalive pong from server
		if string(message) == keepalivePong {
			continue
		}
		t.hmu.RLock()
		h := t.handler
		t.hmu.RUnlock()
		if h != nil {
			h(message)
		}
	}
}

// writeLoop is the connection's only data writer. It drains the outbox and
// queues a keepalive ping every interval to prevent idle disconnects. A
// failed write closes the connection, which ends the read loop.
func (t *Tunnel) writeLoop(c *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.enqueue([]byte(keepalivePing))
			t.mu.Unlock()
		case <-t.wake:
		}
		for {
			data, ok := t.next()
			if !ok {
				break
			}
			_ = c.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}
