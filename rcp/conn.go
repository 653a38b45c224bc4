package rcp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ConnState tracks the lifecycle of a robot connection.
type ConnState int32

const (
	// StateDisconnected means no live transport.
	StateDisconnected ConnState = iota
	// StateConnecting means the transport is up but registration has
	// not completed.
	StateConnecting
	// StateRegistered means the handshake finished and the connection
	// is serving traffic.
	StateRegistered
	// StateDegraded means heartbeats are overdue but the transport has
	// not been torn down yet. No new jobs are dispatched on a degraded
	// connection.
	StateDegraded
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Conn is a server-side robot connection. Writes are serialized by an
// internal mutex; the single reader goroutine owns the read side.
type Conn struct {
	// RobotID is the registered robot's identity (string form).
	RobotID string

	// Identity is the authenticated credential.
	Identity *Identity

	// SessionID identifies this connection instance; a reconnect gets
	// a fresh session.
	SessionID string

	// ConnectedAt records when the connection registered.
	ConnectedAt time.Time

	codec atomic.Pointer[codecBox]
	state atomic.Int32

	// lastSeen tracks the most recent message received.
	lastSeen atomic.Value // time.Time

	netConn net.Conn
	writeMu sync.Mutex
}

// codec interfaces can't go straight into an atomic.Pointer.
type codecBox struct{ c Codec }

// NewConn wraps an upgraded WebSocket connection.
func NewConn(netConn net.Conn, codec Codec) *Conn {
	c := &Conn{
		netConn:     netConn,
		ConnectedAt: time.Now().UTC(),
	}
	c.codec.Store(&codecBox{c: codec})
	c.state.Store(int32(StateConnecting))
	c.lastSeen.Store(time.Now().UTC())

	return c
}

// State returns the connection state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// SetState updates the connection state.
func (c *Conn) SetState(s ConnState) {
	c.state.Store(int32(s))
}

// Codec returns the negotiated codec.
func (c *Conn) Codec() Codec {
	return c.codec.Load().c
}

// SetCodec switches the wire format (after negotiation).
func (c *Conn) SetCodec(codec Codec) {
	c.codec.Store(&codecBox{c: codec})
}

// Touch updates the last-seen timestamp and clears a degraded state.
func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UTC())
	c.state.CompareAndSwap(int32(StateDegraded), int32(StateRegistered))
}

// LastSeen returns when the connection last received a message.
func (c *Conn) LastSeen() time.Time {
	t, _ := c.lastSeen.Load().(time.Time)
	return t
}

// Send encodes and writes a message to the robot.
func (c *Conn) Send(msg *Message) error {
	data, err := c.Codec().Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return wsutil.WriteServerMessage(c.netConn, ws.OpBinary, data)
}

// Read blocks for the next message from the robot.
func (c *Conn) Read() (*Message, error) {
	data, err := wsutil.ReadClientBinary(c.netConn)
	if err != nil {
		return nil, err
	}

	return c.Codec().Decode(data)
}

// Close tears down the transport.
func (c *Conn) Close() error {
	c.SetState(StateDisconnected)
	return c.netConn.Close()
}

// ── Connection manager ──────────────────────────────

// ConnectionManager tracks active robot connections keyed by robot ID.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Conn),
	}
}

// Add registers a connection for a robot. If the robot already has a
// connection (a reconnect racing its predecessor), the old one is
// returned so the caller can close it.
func (cm *ConnectionManager) Add(conn *Conn) *Conn {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	old := cm.conns[conn.RobotID]
	cm.conns[conn.RobotID] = conn

	return old
}

// Remove unregisters the connection for a robot, but only if it is the
// one given; a newer connection for the same robot stays.
func (cm *ConnectionManager) Remove(conn *Conn) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conns[conn.RobotID] == conn {
		delete(cm.conns, conn.RobotID)
	}
}

// Get returns the connection for a robot.
func (cm *ConnectionManager) Get(robotID string) (*Conn, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	c, ok := cm.conns[robotID]
	return c, ok
}

// Count returns the number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Conn {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]*Conn, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}

	return out
}
