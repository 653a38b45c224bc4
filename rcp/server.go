package rcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// Server accepts robot WebSocket connections, runs the registration
// handshake, and pumps messages into a Handler. It also implements the
// dispatcher's Transport: Send routes a message to the robot's live
// connection.
type Server struct {
	addr    string
	path    string
	auth    Authenticator
	handler *Handler
	conns   *ConnectionManager
	logger  *slog.Logger

	// heartbeatGrace is how long a registered connection may stay
	// silent before it is marked degraded.
	heartbeatGrace time.Duration

	httpServer *http.Server
	listener   net.Listener

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithListenAddr sets the listen address (default ":8742").
func WithListenAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithPath sets the WebSocket endpoint path (default "/rcp").
func WithPath(path string) ServerOption {
	return func(s *Server) { s.path = path }
}

// WithAuthenticator sets the registration authenticator.
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithHeartbeatGrace sets how long a connection may be silent before
// it is marked degraded.
func WithHeartbeatGrace(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeatGrace = d }
}

// NewServer creates a protocol server over the given handler.
func NewServer(handler *Handler, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:           ":8742",
		path:           "/rcp",
		auth:           &NoopAuthenticator{},
		handler:        handler,
		conns:          NewConnectionManager(),
		logger:         logger,
		heartbeatGrace: 30 * time.Second,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Connections returns the connection manager (for inspection).
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener and begins accepting robot connections.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rcp: listen %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if serveErr := s.httpServer.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("rcp server error", slog.String("error", serveErr.Error()))
		}
	}()

	s.wg.Add(1)
	go s.degradedLoop()

	s.logger.Info("rcp server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", s.path),
	)

	return nil
}

// Stop closes all robot connections and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	for _, conn := range s.conns.All() {
		_ = conn.Close()
	}

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return err
}

// Send routes a message to the robot's live connection. Degraded and
// missing connections are refused so the dispatcher can release the
// job instead of letting it ride out the lease.
func (s *Server) Send(_ context.Context, robotID string, msg *Message) error {
	conn, ok := s.conns.Get(robotID)
	if !ok {
		return fmt.Errorf("rcp: robot %s not connected", robotID)
	}

	if conn.State() != StateRegistered {
		return fmt.Errorf("rcp: robot %s connection is %s", robotID, conn.State())
	}

	return conn.Send(msg)
}

// handleUpgrade upgrades an HTTP request and runs the connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveConn(netConn)
	}()
}

// serveConn performs registration then pumps messages until the
// connection drops.
func (s *Server) serveConn(netConn net.Conn) {
	conn := NewConn(netConn, &JSONCodec{})
	defer func() {
		s.conns.Remove(conn)
		_ = conn.Close()
	}()

	if err := s.register(conn); err != nil {
		s.logger.Warn("registration failed", slog.String("error", err.Error()))
		return
	}

	if old := s.conns.Add(conn); old != nil {
		// A reconnect superseded the previous connection.
		_ = old.Close()
	}

	s.readLoop(conn)
}

// register runs the handshake: the first message must be a JSON
// REGISTER carrying a valid token.
func (s *Server) register(conn *Conn) error {
	msg, err := conn.Read()
	if err != nil {
		return err
	}
	if msg.Type != MessageRegister {
		_ = conn.Send(NewErrorMessage(msg.ID, ErrCodeBadRequest, "expected REGISTER"))
		return fmt.Errorf("rcp: first message was %s", msg.Type)
	}

	var req RegisterRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		_ = conn.Send(NewErrorMessage(msg.ID, ErrCodeBadRequest, "bad REGISTER payload"))
		return err
	}

	ctx := context.Background()

	identity, err := s.auth.Authenticate(ctx, req.Token)
	if err != nil {
		_ = conn.Send(NewErrorMessage(msg.ID, ErrCodeUnauthorized, "invalid token"))
		return err
	}

	ack, r, err := s.handler.Register(ctx, &req, identity)
	if err != nil {
		_ = conn.Send(NewErrorMessage(msg.ID, ErrCodeInternal, err.Error()))
		return err
	}

	codec := GetCodec(req.Format)
	ack.Format = codec.Name()

	conn.RobotID = ack.RobotID
	conn.Identity = identity
	conn.SessionID = ack.SessionID

	reply, err := NewAck(msg, MessageRegisterAck, ack)
	if err != nil {
		return err
	}
	reply.RobotID = ack.RobotID

	// The ack goes out in JSON; the negotiated format applies after.
	if err := conn.Send(reply); err != nil {
		return err
	}
	conn.SetCodec(codec)
	conn.SetState(StateRegistered)

	s.logger.Info("robot connected",
		slog.String("robot_id", ack.RobotID),
		slog.String("name", r.Name),
		slog.String("format", codec.Name()),
		slog.Int("owned_jobs", len(ack.OwnedJobs)),
	)

	return nil
}

// readLoop pumps messages from the robot into the handler.
func (s *Server) readLoop(conn *Conn) {
	for {
		msg, err := conn.Read()
		if err != nil {
			s.logger.Info("robot disconnected",
				slog.String("robot_id", conn.RobotID),
				slog.String("error", err.Error()),
			)
			return
		}

		conn.Touch()

		reply, err := s.handler.HandleMessage(context.Background(), conn, msg)
		if err != nil {
			s.logger.Error("message handling error",
				slog.String("robot_id", conn.RobotID),
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()),
			)
			reply = NewErrorMessage(msg.ID, ErrCodeInternal, "internal error")
		}

		if reply != nil {
			if err := conn.Send(reply); err != nil {
				s.logger.Warn("reply send failed",
					slog.String("robot_id", conn.RobotID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// degradedLoop periodically marks silent connections as degraded so
// the dispatcher stops routing to them before the registry gives up on
// the robot entirely.
func (s *Server) degradedLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeatGrace / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.heartbeatGrace)
			for _, conn := range s.conns.All() {
				if conn.State() == StateRegistered && conn.LastSeen().Before(cutoff) {
					conn.SetState(StateDegraded)
					s.logger.Warn("connection degraded",
						slog.String("robot_id", conn.RobotID),
						slog.Time("last_seen", conn.LastSeen()),
					)
				}
			}
		}
	}
}
