package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrTimeout          = errors.New("timeout waiting for response")
)

// closeGracePeriod bounds how long Disconnect waits to write the close frame
const closeGracePeriod = time.Second

// RemoteError is returned when Home Assistant answers a request with
// success=false.
type RemoteError struct {
	Command string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("HA error: %s failed", e.Command)
	}
	return fmt.Sprintf("HA error: %s failed: %s - %s", e.Command, e.Code, e.Message)
}

func newRemoteError(command string, resp *Message) *RemoteError {
	rerr := &RemoteError{Command: command}
	if resp.Error != nil {
		rerr.Code = resp.Error.Code
		rerr.Message = resp.Error.Message
	}
	return rerr
}

// HAClient defines the interface for the Home Assistant WebSocket session
type HAClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Send(ctx context.Context, msgType string, payload map[string]interface{}) (*Message, error)
	ListEntityRegistry(ctx context.Context) ([]*RegistryEntry, error)
	ExposeEntities(ctx context.Context, assistants, entityIDs []string, shouldExpose bool) (bool, error)
}

// Client implements HAClient over a single WebSocket connection.
//
// Requests are strictly sequential: Send holds sendMu for the whole
// request/response exchange, so at most one message id is in flight.
type Client struct {
	url       string
	token     string
	logger    *zap.Logger
	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	msgID     int
	sendMu    sync.Mutex
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    url,
		token:  token,
		logger: logger,
	}
}

// Connect establishes WebSocket connection and authenticates
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return ErrAlreadyConnected
	}

	c.logger.Debug("Dialing Home Assistant", zap.String("url", c.url))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	stop := watchContext(ctx, conn)
	err = c.authenticate(conn)
	stop()
	if err != nil {
		conn.Close()
		return wrapIOError(ctx, err)
	}

	c.conn = conn
	c.connected = true
	c.logger.Info("Connected to Home Assistant", zap.String("url", c.url))
	return nil
}

// authenticate runs the auth_required -> auth -> auth_ok handshake
func (c *Client) authenticate(conn *websocket.Conn) error {
	// The first frame is the server's challenge; its content is not needed.
	var challenge Message
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if challenge.Type != TypeAuthRequired {
		c.logger.Debug("Unexpected handshake frame", zap.String("type", challenge.Type))
	}

	if err := conn.WriteJSON(AuthMessage{Type: TypeAuth, AccessToken: c.token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	if authResponse.Type != TypeAuthOK {
		if authResponse.Message != "" {
			return fmt.Errorf("%w: %s (%s)", ErrAuthFailed, authResponse.Type, authResponse.Message)
		}
		return fmt.Errorf("%w: got %q", ErrAuthFailed, authResponse.Type)
	}

	c.logger.Debug("Authenticated", zap.String("ha_version", authResponse.HAVersion))
	return nil
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.connected = false
	conn := c.conn
	c.conn = nil

	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod),
	)
	err = multierr.Append(err, conn.Close())

	c.logger.Debug("Disconnected from Home Assistant")
	return err
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// nextMsgID returns the next message ID. Callers hold sendMu.
func (c *Client) nextMsgID() int {
	c.msgID++
	return c.msgID
}

// Send writes {id, type, ...payload} and blocks until the frame carrying the
// same id arrives. Any other frame read in between (events, stale results)
// is dropped. The wait is bounded only by ctx.
func (c *Client) Send(ctx context.Context, msgType string, payload map[string]interface{}) (*Message, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()

	if !connected {
		return nil, ErrNotConnected
	}

	msgID := c.nextMsgID()
	frame := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}
	frame["id"] = msgID
	frame["type"] = msgType

	stop := watchContext(ctx, conn)
	defer stop()

	c.logger.Debug("Sending message", zap.Int("msg_id", msgID), zap.String("type", msgType))
	if err := conn.WriteJSON(frame); err != nil {
		return nil, wrapIOError(ctx, fmt.Errorf("failed to send message: %w", err))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, wrapIOError(ctx, fmt.Errorf("failed to read message: %w", err))
		}

		// Only the id and type are looked at until the reply shows up, so an
		// event with an unexpected shape cannot break the wait.
		var head envelope
		if err := json.Unmarshal(data, &head); err != nil {
			c.logger.Debug("Discarding undecodable message", zap.Error(err))
			continue
		}

		if head.ID != msgID {
			if head.Type != TypeEvent {
				c.logger.Debug("Discarding unrelated message",
					zap.Int("msg_id", head.ID),
					zap.Int("waiting_for", msgID),
					zap.String("type", head.Type))
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", msgType, err)
		}
		return &msg, nil
	}
}

// envelope is the part of a frame needed to route it
type envelope struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// Call sends a request, requires success=true and decodes the result into out
func (c *Client) Call(ctx context.Context, msgType string, payload map[string]interface{}, out interface{}) error {
	resp, err := c.Send(ctx, msgType, payload)
	if err != nil {
		return err
	}

	if !resp.Succeeded() {
		return newRemoteError(msgType, resp)
	}

	if out == nil || len(resp.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", msgType, err)
	}
	return nil
}

// ListEntityRegistry retrieves every entity registry entry
func (c *Client) ListEntityRegistry(ctx context.Context) ([]*RegistryEntry, error) {
	var entries []*RegistryEntry
	if err := c.Call(ctx, TypeEntityRegistry, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExposeEntities sets should_expose for entityIDs on the given assistants in
// one batch. The returned flag is the remote success indicator.
func (c *Client) ExposeEntities(ctx context.Context, assistants, entityIDs []string, shouldExpose bool) (bool, error) {
	resp, err := c.Send(ctx, TypeExposeEntity, map[string]interface{}{
		"assistants":    assistants,
		"entity_ids":    entityIDs,
		"should_expose": shouldExpose,
	})
	if err != nil {
		return false, err
	}

	if !resp.Succeeded() {
		c.logger.Info("Expose request rejected", zap.Error(newRemoteError(TypeExposeEntity, resp)))
		return false, nil
	}
	return true, nil
}

// watchContext applies ctx's deadline to conn and interrupts blocked reads
// when ctx is cancelled. The returned func must be called once the exchange
// is over; it clears the deadlines again.
func watchContext(ctx context.Context, conn *websocket.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-exited
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})
	}
}

// wrapIOError maps socket errors caused by ctx (or a socket deadline) onto
// ErrTimeout / ctx.Err().
func wrapIOError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
