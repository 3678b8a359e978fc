// Package signalclient connects to the signaling relay over a websocket and
// carries call-setup messages for a call session.
package signalclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fuelops/support-signaling/internal/models"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	ErrClosed         = errors.New("signaling connection closed")
	ErrSendBufferFull = errors.New("signaling send buffer full")
	ErrHandshake      = errors.New("relay did not send a connection id")
)

// Handler receives every relay event after the handshake.
type Handler func(models.ServerMessage)

// Options tune the connection. Zero values fall back to DefaultOptions.
type Options struct {
	Token            string
	SendBuffer       int
	HandshakeTimeout time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:       64,
		HandshakeTimeout: 10 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
	}
}

// Client is a connection to the relay.
type Client struct {
	id   string
	conn *websocket.Conn
	log  *zap.Logger
	opts Options

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	mu      sync.Mutex
	onClose func(error)
	err     error
}

// Dial connects to the relay at url and waits for its connection id.
func Dial(ctx context.Context, url string, opts Options, log *zap.Logger) (*Client, error) {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, res, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("failed to connect to relay (%s): %w", res.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	id, err := readConnectionID(conn, opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{
		id:   id,
		conn: conn,
		log:  log.Named("signalclient").With(zap.String("conn", id)),
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}, nil
}

func readConnectionID(conn *websocket.Conn, timeout time.Duration) (string, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("failed to read handshake: %w", err)
	}
	msg, err := models.DecodeServerMessage(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode handshake: %w", err)
	}
	connected, ok := msg.(models.Connected)
	if !ok || connected.ConnectionID == "" {
		return "", ErrHandshake
	}
	return connected.ConnectionID, nil
}

// ConnectionID is the id the relay assigned to this connection.
func (c *Client) ConnectionID() string {
	return c.id
}

// Start runs the read and write pumps. Messages are passed to handler in
// arrival order; onClose is called once when the connection ends, with a
// nil error after Close.
func (c *Client) Start(handler Handler, onClose func(error)) {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.onClose = onClose
		c.mu.Unlock()

		go c.writePump()
		go c.readPump(handler)
	})
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the connection ended, nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Close says goodbye to the relay and closes the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait),
	)
	c.shutdown(nil)
	return nil
}

func (c *Client) JoinRoom(roomID string) error {
	return c.Send(models.JoinRoom{RoomID: roomID})
}

func (c *Client) LeaveRoom(roomID string) error {
	return c.Send(models.LeaveRoom{RoomID: roomID})
}

func (c *Client) SendOffer(roomID string, offer webrtc.SessionDescription) error {
	return c.Send(models.SendOffer{Target: roomID, Offer: offer})
}

func (c *Client) SendAnswer(target string, answer webrtc.SessionDescription) error {
	return c.Send(models.SendAnswer{Target: target, Answer: answer})
}

func (c *Client) SendCandidate(target string, candidate webrtc.ICECandidateInit) error {
	return c.Send(models.SendIceCandidate{Target: target, Candidate: &candidate})
}

func (c *Client) SendCallRejected(target string) error {
	return c.Send(models.RejectCall{Target: target})
}

// Send queues msg for the relay without blocking.
func (c *Client) Send(msg models.ClientMessage) error {
	data, err := models.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) readPump(handler Handler) {
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.shutdown(nil)
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = ErrClosed
				}
				c.shutdown(err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		msg, err := models.DecodeServerMessage(data)
		if err != nil {
			c.log.Warn("ignoring undecodable relay message", zap.Error(err))
			continue
		}
		if handler != nil {
			handler(msg)
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(fmt.Errorf("failed to write message: %w", err))
				return
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		onClose := c.onClose
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()

		if err != nil {
			c.log.Info("signaling connection lost", zap.Error(err))
		}
		if onClose != nil {
			onClose(err)
		}
	})
}
