package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nicebartender/aiteam/ws"
)

var ErrNotConnected = errors.New("hub connection closed")

const writeWait = 10 * time.Second

// Inbound is a frame received from the hub: either a routed envelope or an
// error reply about something this connection sent.
type Inbound struct {
	Envelope ws.Envelope
	Reply    *ws.ErrorReply
}

// DecodeInbound classifies a hub frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var probe struct {
		EventType *string `json:"eventType"`
		Error     *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Inbound{}, fmt.Errorf("decode hub frame: %w", err)
	}
	if probe.EventType == nil && probe.Error != nil {
		var reply ws.ErrorReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return Inbound{}, fmt.Errorf("decode error reply: %w", err)
		}
		return Inbound{Reply: &reply}, nil
	}
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}
	return Inbound{Envelope: env}, nil
}

// HubConn is an identified connection to the hub.
type HubConn struct {
	identity string
	conn     *websocket.Conn
	logger   *slog.Logger

	mu        sync.Mutex // serialises writes
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub at url and identifies as identity.
func Dial(ctx context.Context, url, identity string, logger *slog.Logger) (*HubConn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &HubConn{
		identity: identity,
		conn:     conn,
		logger:   logger.With("identity", identity),
		done:     make(chan struct{}),
	}
	if err := c.writeJSON(ws.NewIdentifyFrame(identity)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("identify: %w", err)
	}

	c.logger.Info("connected to hub", "url", url)
	return c, nil
}

func (c *HubConn) Identity() string { return c.identity }

func (c *HubConn) Done() <-chan struct{} { return c.done }

func (c *HubConn) Send(env ws.Envelope) error {
	return c.writeJSON(env)
}

func (c *HubConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Listen reads hub frames and passes them to fn until the connection closes
// or ctx is cancelled. A clean close returns nil.
func (c *HubConn) Listen(ctx context.Context, fn func(Inbound)) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			closing := c.isClosed()
			c.Close()
			if closing || ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("hub read: %w", err)
		}

		in, err := DecodeInbound(data)
		if err != nil {
			c.logger.Warn("dropping undecodable hub frame", "err", err)
			continue
		}
		fn(in)
	}
}

func (c *HubConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *HubConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
