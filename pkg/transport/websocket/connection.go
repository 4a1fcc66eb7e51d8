package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/HMasataka/familyrelay/internal/logging"
	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/HMasataka/familyrelay/pkg/errors"
	"github.com/HMasataka/familyrelay/pkg/transport/protocol"
	"github.com/gorilla/websocket"
)

// ConnectionOptions represents per-connection limits
type ConnectionOptions struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

// DefaultConnectionOptions returns default connection options
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 1024 * 1024,
		SendBufferSize: 256,
	}
}

// withDefaults fills every non-positive limit from
// DefaultConnectionOptions. A zero deadline would expire at once.
func (o ConnectionOptions) withDefaults() ConnectionOptions {
	d := DefaultConnectionOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = o.ReadTimeout * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = d.SendBufferSize
	}
	return o
}

// FrameHandler receives every decoded inbound frame. A nil message
// with a non-nil error reports a frame that could not be decoded.
type FrameHandler func(msg *domain.Message, err error)

// Connection implements domain.Connection over a gorilla websocket
type Connection struct {
	id      string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
	options ConnectionOptions
	codec   protocol.Codec
	text    protocol.Codec
	binary  protocol.Codec

	mu     sync.RWMutex
	send   chan []byte
	closed bool
	wg     sync.WaitGroup
}

var _ domain.Connection = (*Connection)(nil)

// NewConnection wraps conn. Outbound frames use codec; inbound text
// frames are read as JSON and binary frames as msgpack whatever the
// outbound codec is.
func NewConnection(id string, conn *websocket.Conn, codec protocol.Codec, logger *logging.Logger, options ConnectionOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	options = options.withDefaults()

	return &Connection{
		id:      id,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.WithFields(map[string]any{"client_id": id}),
		options: options,
		codec:   codec,
		text:    protocol.NewJSONCodec(),
		binary:  protocol.NewMsgpackCodec(),
		send:    make(chan []byte, options.SendBufferSize),
	}
}

// ID implements domain.Connection
func (c *Connection) ID() string {
	return c.id
}

// Send implements domain.Connection. It never blocks: a full buffer
// drops the message.
func (c *Connection) Send(ctx context.Context, msg *domain.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshalFailed, "failed to encode message").
			WithDetails(string(msg.Type))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return domain.ErrConnectionClosed
	}

	select {
	case c.send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return domain.ErrSendBufferFull
	}
}

// Close implements domain.Connection
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.logger.Debug("closing connection")
	c.cancel()

	return c.conn.Close()
}

// Context implements domain.Connection
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Codec returns the outbound codec
func (c *Connection) Codec() protocol.Codec {
	return c.codec
}

// Start starts the read and write pumps
func (c *Connection) Start(handler FrameHandler) {
	c.wg.Add(2)
	go c.readPump(handler)
	go c.writePump()
}

// Wait blocks until both pumps have returned
func (c *Connection) Wait() {
	c.wg.Wait()
}

func (c *Connection) readPump(handler FrameHandler) {
	defer c.wg.Done()
	defer c.Close()

	c.conn.SetReadLimit(c.options.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))

		var codec protocol.Codec
		switch messageType {
		case websocket.TextMessage:
			codec = c.text
		case websocket.BinaryMessage:
			codec = c.binary
		default:
			handler(nil, errors.New(errors.ErrorTypeProtocol, errors.CodeUnsupportedType, "unsupported frame type"))
			continue
		}

		msg, err := codec.Decode(data)
		if err != nil {
			handler(nil, errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeInvalidFrame, "failed to decode frame").
				WithDetails(codec.Name()))
			continue
		}

		handler(msg, nil)
	}
}

func (c *Connection) writePump() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(messageType, frame); err != nil {
				c.logger.Debug("websocket write error", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
