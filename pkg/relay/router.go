// Package relay routes inbound device events to the other members of
// the sender's family.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/familyrelay/internal/eventbus"
	"github.com/HMasataka/familyrelay/internal/logging"
	"github.com/HMasataka/familyrelay/pkg/alert"
	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/HMasataka/familyrelay/pkg/errors"
	"github.com/HMasataka/familyrelay/pkg/membership"
)

// Options represents router configuration
type Options struct {
	Logger            *logging.Logger
	EventBus          eventbus.Bus
	Engine            *alert.Engine
	RequireMembership bool
}

// Option configures Options
type Option func(*Options)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithEventBus sets the bus that receives join, alert and drop events
func WithEventBus(bus eventbus.Bus) Option {
	return func(o *Options) {
		o.EventBus = bus
	}
}

// WithEngine replaces the default derived-alert engine
func WithEngine(engine *alert.Engine) Option {
	return func(o *Options) {
		o.Engine = engine
	}
}

// WithRequireMembership drops events addressed to a family the sender
// has not joined.
func WithRequireMembership(require bool) Option {
	return func(o *Options) {
		o.RequireMembership = require
	}
}

// Result summarizes one dispatch
type Result struct {
	Family    domain.FamilyID
	Messages  int
	Delivered int
	Dropped   int
}

// Router dispatches inbound events through the handler table
type Router struct {
	store    *membership.Store
	engine   *alert.Engine
	logger   *logging.Logger
	eventBus eventbus.Bus
	strict   bool

	mu       sync.RWMutex
	handlers map[domain.EventType]Handler

	received  atomic.Int64
	sent      atomic.Int64
	dropped   atomic.Int64
	startTime time.Time
}

// NewRouter creates a router over store with the built-in catalog
func NewRouter(store *membership.Store, opts ...Option) *Router {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = logging.Nop()
	}
	if options.Engine == nil {
		options.Engine = alert.NewDefaultEngine()
	}

	return &Router{
		store:     store,
		engine:    options.Engine,
		logger:    options.Logger,
		eventBus:  options.EventBus,
		strict:    options.RequireMembership,
		handlers:  builtinHandlers(),
		startTime: time.Now(),
	}
}

// Register sets the handler for an event type, replacing any existing one
func (r *Router) Register(eventType domain.EventType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[eventType] = handler
}

// Dispatch handles one inbound event from sender. Errors describe why
// the event was dropped; they are never reported back to the sender.
func (r *Router) Dispatch(ctx context.Context, sender domain.Connection, msg *domain.Message) (Result, error) {
	r.received.Add(1)

	if msg.Type == domain.EventJoinRoom {
		return r.join(sender, msg)
	}

	r.mu.RLock()
	handler, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		return r.drop(sender, msg, errors.Wrap(domain.ErrUnknownEvent, errors.ErrorTypeNotFound, errors.CodeUnknownEvent, "no handler for event").
			WithDetails(string(msg.Type)))
	}

	var envelope domain.Family
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return r.drop(sender, msg, errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeInvalidPayload, "undecodable payload").
			WithDetails(string(msg.Type)))
	}
	family := envelope.FamilyID
	if family == "" {
		return r.drop(sender, msg, errors.Wrap(domain.ErrMissingFamilyID, errors.ErrorTypeValidation, errors.CodeMissingFamily, "payload names no family").
			WithDetails(string(msg.Type)))
	}

	if r.strict && !r.store.IsMember(sender.ID(), family) {
		return r.drop(sender, msg, errors.Wrap(domain.ErrNotMember, errors.ErrorTypeValidation, errors.CodeNotMember, "sender has not joined family").
			WithDetails(string(family)))
	}

	out, err := handler(sender, msg)
	if err != nil {
		return r.drop(sender, msg, errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeInvalidPayload, "handler rejected payload").
			WithDetails(string(msg.Type)))
	}

	for _, d := range r.engine.Derive(msg.Type, msg.Data) {
		out = append(out, d.Message)
		r.publish(eventbus.NewEvent(eventbus.EventAlertDerived, "relay", d.Message.Type).
			WithMetadata("family_id", string(family)).
			WithMetadata("rule", d.Rule))
	}

	for _, m := range out {
		m.InheritBinary(msg)
	}

	res := r.deliver(ctx, sender, family, out)

	attrs := []any{
		"client_id", sender.ID(),
		"family_id", family,
		"type", msg.Type,
		"messages", res.Messages,
		"delivered", res.Delivered,
		"dropped", res.Dropped,
	}
	if msg.Type == domain.EventWebRTCOffer || msg.Type == domain.EventWebRTCAnswer {
		attrs = append(attrs, "sdp_type", sdpType(msg))
	}
	r.logger.Debug("event relayed", attrs...)

	return res, nil
}

// deliver sends every message to every other member of the family.
// Sends happen under the store's read lock; Connection.Send never
// blocks, so one slow recipient cannot stall the others.
func (r *Router) deliver(ctx context.Context, sender domain.Connection, family domain.FamilyID, out []*domain.Message) Result {
	res := Result{Family: family, Messages: len(out)}

	r.store.EachMemberExcluding(family, sender.ID(), func(target domain.Connection) {
		for _, m := range out {
			if err := target.Send(ctx, m); err != nil {
				res.Dropped++
				r.logger.Debug("delivery dropped",
					"client_id", target.ID(),
					"type", m.Type,
					"error", err,
				)
				continue
			}
			res.Delivered++
		}
	})

	r.sent.Add(int64(res.Delivered))
	r.dropped.Add(int64(res.Dropped))
	return res
}

func (r *Router) join(sender domain.Connection, msg *domain.Message) (Result, error) {
	family, err := parseJoin(msg.Data)
	if err != nil {
		return r.drop(sender, msg, errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeInvalidPayload, "undecodable join"))
	}
	if family == "" {
		return r.drop(sender, msg, errors.Wrap(domain.ErrMissingFamilyID, errors.ErrorTypeValidation, errors.CodeMissingFamily, "join names no family"))
	}

	added, err := r.store.Join(sender.ID(), family)
	if err != nil {
		return r.drop(sender, msg, errors.Wrap(err, errors.ErrorTypeNotFound, errors.CodeUnknownSender, "join from unregistered connection"))
	}

	if added {
		r.logger.Info("family joined", "client_id", sender.ID(), "family_id", family)
		r.publish(eventbus.NewEvent(eventbus.EventFamilyJoined, "relay", string(family)).
			WithMetadata("client_id", sender.ID()))
	}

	return Result{Family: family}, nil
}

// parseJoin accepts the bare family id devices send, or {"familyId": ...}
func parseJoin(data json.RawMessage) (domain.FamilyID, error) {
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '{' {
		var req domain.JoinRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return "", err
		}
		return req.FamilyID, nil
	}

	var family domain.FamilyID
	if err := json.Unmarshal(data, &family); err != nil {
		return "", err
	}
	return family, nil
}

func (r *Router) drop(sender domain.Connection, msg *domain.Message, err *errors.Error) (Result, error) {
	r.dropped.Add(1)
	r.publish(eventbus.NewEvent(eventbus.EventMessageDropped, "relay", string(msg.Type)).
		WithMetadata("client_id", sender.ID()).
		WithMetadata("code", err.Code))
	return Result{}, err
}

func (r *Router) publish(event *eventbus.Event) {
	if r.eventBus != nil {
		r.eventBus.PublishAsync(event)
	}
}

// Stats returns relay counters together with the store's sizes and,
// when the bus reports it, the number of lifecycle events it dropped.
func (r *Router) Stats() domain.Stats {
	connections, families := r.store.Stats()

	stats := domain.Stats{
		Connections:      connections,
		Families:         families,
		MessagesReceived: r.received.Load(),
		MessagesSent:     r.sent.Load(),
		MessagesDropped:  r.dropped.Load(),
		Uptime:           time.Since(r.startTime).Seconds(),
	}

	// Lifecycle events lost on a full bus queue
	if o, ok := r.eventBus.(interface{ Overflow() int64 }); ok {
		stats.EventsDropped = o.Overflow()
	}

	return stats
}
