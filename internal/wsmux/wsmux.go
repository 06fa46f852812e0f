// Package wsmux maintains the persistent WebSocket control channel to each
// SUT: one session per unique_id, a dedicated per-session write mutex
// (gorilla/websocket requires serialized writes), and a top-level session-map
// mutex held only across lookups, never across sends.
package wsmux

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-benchfabric/master/internal/eventbus"
	"github.com/r3e-benchfabric/master/internal/logging"
	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
)

// Envelope is the self-describing JSON frame exchanged over the control
// channel; Type selects how the remaining fields are interpreted.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame types recognized in both directions, per the control-channel
// frame catalogue.
const (
	FrameRegister           = "register"
	FrameRegisterAck        = "register_ack"
	FrameHeartbeat          = "heartbeat"
	FrameHeartbeatAck       = "heartbeat_ack"
	FrameStatusRequest      = "status_request"
	FrameStatusUpdate       = "status_update"
	FrameResult             = "result"
	FrameUpdateAvailable    = "update_available"
	FrameRenamePC           = "rename_pc"
	FrameMasterKeyInstalled = "master_key_installed"
)

// Session owns one persistent bidirectional stream to a SUT agent.
type Session struct {
	UniqueID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	closed   bool
}

// Send marshals msg to JSON and writes it, serialized against concurrent
// writers on this session.
func (s *Session) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errors.SUTOffline(s.UniqueID)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection with the given close code/reason.
func (s *Session) Close(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
}

// SessionManager maps unique_id to its live Session.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bus      *eventbus.Bus
	logger   *logging.Logger
}

// New constructs an empty SessionManager.
func New(bus *eventbus.Bus, logger *logging.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		bus:      bus,
		logger:   logger,
	}
}

// Connect installs a new session for uniqueID. If a prior session exists, it
// is closed with code 1000 and reason "replaced" before the new one is
// installed, so there is never more than one live session per unique_id.
func (m *SessionManager) Connect(uniqueID string, conn *websocket.Conn) *Session {
	session := &Session{UniqueID: uniqueID, conn: conn}

	m.mu.Lock()
	prior := m.sessions[uniqueID]
	m.sessions[uniqueID] = session
	m.mu.Unlock()

	if prior != nil {
		prior.Close(websocket.CloseNormalClosure, "replaced")
	}
	return session
}

// Disconnect removes and closes the session for uniqueID, if it is still the
// one registered (a stale disconnect callback for an already-replaced
// session is a no-op).
func (m *SessionManager) Disconnect(uniqueID string, session *Session) {
	m.mu.Lock()
	current, ok := m.sessions[uniqueID]
	isCurrent := ok && current == session
	if isCurrent {
		delete(m.sessions, uniqueID)
	}
	m.mu.Unlock()

	if isCurrent {
		session.Close(websocket.CloseNormalClosure, "disconnect")
	}
}

// IsConnected reports whether uniqueID has a live session.
func (m *SessionManager) IsConnected(uniqueID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[uniqueID]
	return ok
}

// Send looks up the session for uniqueID and sends msg, releasing the
// session-map lock before performing the (potentially blocking) write.
func (m *SessionManager) Send(uniqueID string, msg interface{}) error {
	m.mu.RLock()
	session, ok := m.sessions[uniqueID]
	m.mu.RUnlock()
	if !ok {
		return errors.SUTOffline(uniqueID)
	}
	return session.Send(msg)
}

// Broadcast sends msg to every connected session, or to targets if non-empty.
// Errors are logged per-target and do not halt the broadcast.
func (m *SessionManager) Broadcast(ctx context.Context, msg interface{}, targets ...string) {
	m.mu.RLock()
	var recipients []*Session
	if len(targets) == 0 {
		recipients = make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			recipients = append(recipients, s)
		}
	} else {
		recipients = make([]*Session, 0, len(targets))
		for _, id := range targets {
			if s, ok := m.sessions[id]; ok {
				recipients = append(recipients, s)
			}
		}
	}
	m.mu.RUnlock()

	for _, s := range recipients {
		if err := s.Send(msg); err != nil && m.logger != nil {
			m.logger.LogSUTEvent(ctx, s.UniqueID, "broadcast_send_failed", err)
		}
	}
}

// ConnectedIDs returns the unique_ids of all currently connected sessions.
func (m *SessionManager) ConnectedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}
