package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/HMasataka/familyrelay/internal/eventbus"
	"github.com/HMasataka/familyrelay/internal/logging"
	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/HMasataka/familyrelay/pkg/errors"
	"github.com/HMasataka/familyrelay/pkg/relay"
	"github.com/HMasataka/familyrelay/pkg/transport/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// Registry tracks live connections
type Registry interface {
	Register(conn domain.Connection) bool
	Unregister(id string) []domain.FamilyID
}

// Dispatcher handles one inbound event
type Dispatcher interface {
	Dispatch(ctx context.Context, sender domain.Connection, msg *domain.Message) (relay.Result, error)
}

// ServerOptions represents websocket server options
type ServerOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Connection      ConnectionOptions
	Logger          *logging.Logger
	EventBus        eventbus.Bus
	ErrorHandler    errors.Handler
}

// ServerOption configures ServerOptions
type ServerOption func(*ServerOptions)

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithEventBus sets the event bus for the server
func WithEventBus(eventBus eventbus.Bus) ServerOption {
	return func(o *ServerOptions) {
		o.EventBus = eventBus
	}
}

// WithErrorHandler sets the handler for dropped frames and events
func WithErrorHandler(handler errors.Handler) ServerOption {
	return func(o *ServerOptions) {
		o.ErrorHandler = handler
	}
}

// WithBufferSizes sets the upgrader's read and write buffer sizes
func WithBufferSizes(read, write int) ServerOption {
	return func(o *ServerOptions) {
		o.ReadBufferSize = read
		o.WriteBufferSize = write
	}
}

// WithConnectionOptions sets per-connection limits
func WithConnectionOptions(options ConnectionOptions) ServerOption {
	return func(o *ServerOptions) {
		o.Connection = options
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// Server upgrades HTTP requests and feeds their frames to a Dispatcher
type Server struct {
	upgrader   websocket.Upgrader
	registry   Registry
	dispatcher Dispatcher
	logger     *logging.Logger
	eventBus   eventbus.Bus
	errHandler errors.Handler
	options    ServerOptions

	mu     sync.Mutex
	active map[string]*Connection
}

// NewServer creates a new WebSocket server
func NewServer(registry Registry, dispatcher Dispatcher, opts ...ServerOption) *Server {
	options := ServerOptions{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		Connection: DefaultConnectionOptions(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = logging.Nop()
	}
	if options.ErrorHandler == nil {
		options.ErrorHandler = errors.NewDefaultHandler(options.Logger.Logger)
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		registry:   registry,
		dispatcher: dispatcher,
		logger:     options.Logger,
		eventBus:   options.EventBus,
		errHandler: options.ErrorHandler,
		options:    options,
		active:     make(map[string]*Connection),
	}
}

// ServeHTTP implements http.Handler. It returns once the connection
// has closed and been removed from the registry.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := strings.ToLower(r.URL.Query().Get("encoding"))
	codec, err := protocol.CodecFor(encoding)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errHandler.Handle(r.Context(), errors.Wrap(err, errors.ErrorTypeTransport, errors.CodeUpgradeFailed, "websocket upgrade failed").
			WithDetails(r.RemoteAddr))
		return
	}

	id := xid.New().String()
	conn := NewConnection(id, ws, codec, s.logger, s.options.Connection)

	if !s.registry.Register(conn) {
		s.logger.Error("duplicate connection id", "client_id", id)
		conn.Close()
		return
	}

	s.track(conn)
	defer s.untrack(id)

	s.publish(eventbus.NewEvent(eventbus.EventConnectionOpened, "websocket-server", id).
		WithMetadata("remote_addr", r.RemoteAddr).
		WithMetadata("encoding", codec.Name()))

	s.logger.Info("client connected",
		"client_id", id,
		"remote_addr", r.RemoteAddr,
		"encoding", codec.Name(),
	)

	ctx := logging.WithLogger(conn.Context(), s.logger.WithFields(map[string]any{"client_id": id}))
	conn.Start(func(msg *domain.Message, err error) {
		if err != nil {
			s.errHandler.Handle(ctx, err)
			return
		}
		if _, err := s.dispatcher.Dispatch(ctx, conn, msg); err != nil {
			s.errHandler.Handle(ctx, err)
		}
	})

	<-conn.Context().Done()

	families := s.registry.Unregister(id)
	conn.Wait()

	event := eventbus.NewEvent(eventbus.EventConnectionClosed, "websocket-server", id)
	for _, f := range families {
		event.WithMetadata("family:"+string(f), "left")
	}
	s.publish(event)

	s.logger.Info("client disconnected", "client_id", id, "families", len(families))
}

// Shutdown closes every live connection. Hijacked connections are not
// closed by http.Server.Shutdown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.active))
	for _, c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) track(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[conn.ID()] = conn
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, id)
}

func (s *Server) publish(event *eventbus.Event) {
	if s.eventBus != nil {
		s.eventBus.PublishAsync(event)
	}
}
