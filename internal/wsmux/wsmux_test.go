package wsmux

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newTestSession spins up a local WebSocket server and dials it, returning a
// Session wrapping the server-side connection plus the client-side conn so
// the test can read what Session.Send writes.
func newTestSession(t *testing.T) (*Session, *websocket.Conn, func()) {
	t.Helper()

	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	serverConn := <-serverConnCh
	session := &Session{UniqueID: "sut-1", conn: serverConn}

	cleanup := func() {
		clientConn.Close()
		srv.Close()
	}
	return session, clientConn, cleanup
}

func TestSession_SendDeliversJSON(t *testing.T) {
	session, clientConn, cleanup := newTestSession(t)
	defer cleanup()

	require.NoError(t, session.Send(Envelope{Type: FrameHeartbeat}))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), FrameHeartbeat)
}

func TestSession_SendAfterCloseFails(t *testing.T) {
	session, _, cleanup := newTestSession(t)
	defer cleanup()

	session.Close(websocket.CloseNormalClosure, "test")
	err := session.Send(Envelope{Type: FrameHeartbeat})
	assert.Error(t, err)
}

func TestSessionManager_ConnectReplacesPriorSession(t *testing.T) {
	m := New(nil, nil)

	_, conn1, cleanup1 := newTestSession(t)
	defer cleanup1()
	_, conn2, cleanup2 := newTestSession(t)
	defer cleanup2()

	s1 := &Session{UniqueID: "sut-1", conn: conn1}
	s2 := &Session{UniqueID: "sut-1", conn: conn2}

	m.mu.Lock()
	m.sessions["sut-1"] = s1
	m.mu.Unlock()

	installed := m.Connect("sut-1", conn2)
	assert.Equal(t, s2.conn, installed.conn)
	assert.True(t, s1.closed)
	assert.True(t, m.IsConnected("sut-1"))
}

func TestSessionManager_DisconnectOnlyRemovesCurrentSession(t *testing.T) {
	m := New(nil, nil)
	session, _, cleanup := newTestSession(t)
	defer cleanup()

	m.mu.Lock()
	m.sessions["sut-1"] = session
	m.mu.Unlock()

	stale := &Session{UniqueID: "sut-1"}
	m.Disconnect("sut-1", stale)
	assert.True(t, m.IsConnected("sut-1"), "disconnect from a stale session must be a no-op")

	m.Disconnect("sut-1", session)
	assert.False(t, m.IsConnected("sut-1"))
}

func TestSessionManager_SendUnknownIDErrors(t *testing.T) {
	m := New(nil, nil)
	err := m.Send("sut-ghost", Envelope{Type: FrameHeartbeat})
	assert.Error(t, err)
}

func TestSessionManager_ConnectedIDsReflectsPopulation(t *testing.T) {
	m := New(nil, nil)
	s1, _, cleanup1 := newTestSession(t)
	defer cleanup1()

	m.mu.Lock()
	m.sessions["sut-1"] = s1
	m.mu.Unlock()

	ids := m.ConnectedIDs()
	assert.Equal(t, []string{"sut-1"}, ids)
}
