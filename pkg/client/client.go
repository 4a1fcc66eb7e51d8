// Package client is a device-side SDK for the family relay.
package client

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/HMasataka/familyrelay/internal/logging"
	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/HMasataka/familyrelay/pkg/errors"
	"github.com/HMasataka/familyrelay/pkg/transport/protocol"
	"github.com/HMasataka/familyrelay/pkg/transport/websocket"
	gorillaws "github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"
)

// HandlerFunc receives one relayed event
type HandlerFunc func(msg *domain.Message)

// Options represents client options
type Options struct {
	Logger     *logging.Logger
	Encoding   string
	Connection websocket.ConnectionOptions
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		Encoding:   protocol.EncodingJSON,
		Connection: websocket.DefaultConnectionOptions(),
	}
}

// Client is one device session
type Client struct {
	conn   *websocket.Connection
	logger *logging.Logger

	handlersMu sync.RWMutex
	handlers   map[domain.EventType]HandlerFunc
	fallback   HandlerFunc
}

// Dial connects to the relay's websocket endpoint, e.g.
// ws://localhost:3000/ws.
func Dial(ctx context.Context, serverURL string, options Options) (*Client, error) {
	if options.Logger == nil {
		options.Logger = logging.Nop()
	}

	codec, err := protocol.CodecFor(options.Encoding)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, errors.CodeInvalidFrame, "unsupported encoding")
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, errors.CodeUpgradeFailed, "invalid server url")
	}
	if codec.Name() != protocol.EncodingJSON {
		q := u.Query()
		q.Set("encoding", codec.Name())
		u.RawQuery = q.Encode()
	}

	ws, _, err := gorillaws.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, errors.CodeUpgradeFailed, "failed to connect to relay").
			WithDetails(u.String())
	}

	c := &Client{
		logger:   options.Logger,
		handlers: make(map[domain.EventType]HandlerFunc),
	}
	c.conn = websocket.NewConnection(xid.New().String(), ws, codec, options.Logger, options.Connection)
	c.conn.Start(c.handleFrame)

	c.logger.Info("connected to relay", "url", u.String(), "encoding", codec.Name())

	return c, nil
}

// On registers the handler for one outbound event type
func (c *Client) On(eventType domain.EventType, handler HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlers[eventType] = handler
}

// OnAny registers the handler for event types with no specific handler
func (c *Client) OnAny(handler HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.fallback = handler
}

// Emit sends an event with data marshalled as its payload
func (c *Client) Emit(ctx context.Context, eventType domain.EventType, data any) error {
	msg, err := domain.NewMessage(eventType, data)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshalFailed, "failed to marshal payload").
			WithDetails(string(eventType))
	}

	if err := c.conn.Send(ctx, msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, errors.CodeSendFailed, "failed to send event").
			WithDetails(string(eventType))
	}
	return nil
}

// Join subscribes this session to a family channel
func (c *Client) Join(ctx context.Context, family domain.FamilyID) error {
	return c.Emit(ctx, domain.EventJoinRoom, string(family))
}

// SendOffer relays a WebRTC offer to the family
func (c *Client) SendOffer(ctx context.Context, family domain.FamilyID, offer webrtc.SessionDescription) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshalFailed, "failed to marshal offer")
	}
	return c.Emit(ctx, domain.EventWebRTCOffer, domain.WebRTCOffer{FamilyID: family, Offer: raw})
}

// SendAnswer relays a WebRTC answer to the family
func (c *Client) SendAnswer(ctx context.Context, family domain.FamilyID, answer webrtc.SessionDescription) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshalFailed, "failed to marshal answer")
	}
	return c.Emit(ctx, domain.EventWebRTCAnswer, domain.WebRTCAnswer{FamilyID: family, Answer: raw})
}

// SendICECandidate relays a trickled ICE candidate to the family
func (c *Client) SendICECandidate(ctx context.Context, family domain.FamilyID, candidate webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshalFailed, "failed to marshal candidate")
	}
	return c.Emit(ctx, domain.EventICECandidate, domain.ICECandidate{FamilyID: family, Candidate: raw})
}

// DecodeSessionDescription reads the SDP carried by a relayed
// webrtc-offer or webrtc-answer event.
func DecodeSessionDescription(msg *domain.Message) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	err := json.Unmarshal(msg.Data, &sd)
	return sd, err
}

// DecodeICECandidate reads the candidate carried by a relayed
// ice-candidate event.
func DecodeICECandidate(msg *domain.Message) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	err := json.Unmarshal(msg.Data, &c)
	return c, err
}

// Done is closed when the session ends
func (c *Client) Done() <-chan struct{} {
	return c.conn.Context().Done()
}

// Close ends the session and waits for its goroutines
func (c *Client) Close() error {
	err := c.conn.Close()
	c.conn.Wait()
	return err
}

func (c *Client) handleFrame(msg *domain.Message, err error) {
	if err != nil {
		c.logger.Debug("dropping undecodable frame", "error", err)
		return
	}

	c.handlersMu.RLock()
	handler, ok := c.handlers[msg.Type]
	if !ok {
		handler = c.fallback
	}
	c.handlersMu.RUnlock()

	if handler == nil {
		c.logger.Debug("no handler for event", "type", msg.Type)
		return
	}
	handler(msg)
}
