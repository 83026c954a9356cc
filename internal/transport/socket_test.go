package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sekretar/pkg/core"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// socketServer is a minimal Socket.IO endpoint.
type socketServer struct {
	token string

	mu       sync.Mutex
	received []string
	conn     *websocket.Conn
	ready    chan struct{}
}

func newSocketServer(t *testing.T, token string) (*socketServer, *httptest.Server) {
	t.Helper()
	s := &socketServer{token: token, ready: make(chan struct{})}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *socketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"abc","pingInterval":25000,"pingTimeout":20000}`))
	_, connect, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if string(connect) != `40{"token":"`+s.token+`"}` {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`44{"message":"invalid token"}`))
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"ns1"}`))

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, string(data))
		s.mu.Unlock()
	}
}

func (s *socketServer) write(t *testing.T, packet string) {
	t.Helper()
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.conn.WriteMessage(websocket.TextMessage, []byte(packet)))
}

func (s *socketServer) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func TestMultiplexed_Session(t *testing.T) {
	server, srv := newSocketServer(t, "tok")

	tr := NewMultiplexed(zerolog.Nop())
	rec := newRecorder()
	require.NoError(t, tr.Dial(context.Background(), Target{URL: srv.URL, Token: "tok", Paths: testPaths()}, rec))
	assert.Equal(t, 1, rec.Opened())

	server.write(t, `42["message",{"type":"new_message","id":"m1"}]`)
	server.write(t, `42["system_alert",{"level":"high"}]`)
	server.write(t, `2`)

	require.Eventually(t, func() bool { return len(rec.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := rec.Messages()
	assert.JSONEq(t, `{"type":"new_message","id":"m1"}`, msgs[0])
	env, err := core.DecodeEnvelope([]byte(msgs[1]))
	require.NoError(t, err)
	assert.Equal(t, "system_alert", env.Type)

	require.NoError(t, tr.Send([]byte(`{"type":"pong","id":"p1"}`)))
	err = tr.Send([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, core.ErrorTypeTransport, core.TypeOf(err))
	assert.Error(t, tr.Send([]byte(`{"type":"pong"`)))

	require.Eventually(t, func() bool { return len(server.Received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{`3`, `42["message",{"type":"pong","id":"p1"}]`}, server.Received())

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrClosed)
}

func TestMultiplexed_ServerDisconnect(t *testing.T) {
	server, srv := newSocketServer(t, "tok")

	rec := newRecorder()
	require.NoError(t, NewMultiplexed(zerolog.Nop()).Dial(context.Background(),
		Target{URL: srv.URL, Token: "tok", Paths: testPaths()}, rec))

	server.write(t, `41`)
	select {
	case err := <-rec.closed:
		assert.True(t, core.IsNetworkError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestMultiplexed_ConnectRefused(t *testing.T) {
	_, srv := newSocketServer(t, "tok")

	rec := newRecorder()
	err := NewMultiplexed(zerolog.Nop()).Dial(context.Background(),
		Target{URL: srv.URL, Token: "wrong", Paths: testPaths()}, rec)
	require.Error(t, err)
	assert.Equal(t, core.ErrorTypeUnauthorized, core.Classify(err))
	assert.Contains(t, err.Error(), "invalid token")
	assert.Zero(t, rec.Opened())
}

func TestMultiplexed_NotFoundIsInitFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	err := NewMultiplexed(zerolog.Nop()).Dial(context.Background(),
		Target{URL: srv.URL, Token: "tok", Paths: testPaths()}, newRecorder())
	assert.True(t, core.IsTransportInitError(err))
}

// rawServer echoes every text frame and records the handshake.
type rawServer struct {
	mu     sync.Mutex
	auth   string
	token  string
	conn   *websocket.Conn
	ready  chan struct{}
	reject int
	frames []string
}

func newRawServer(t *testing.T) (*rawServer, *httptest.Server) {
	t.Helper()
	s := &rawServer{ready: make(chan struct{})}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *rawServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.reject != 0 {
		w.WriteHeader(s.reject)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.auth = r.Header.Get("Authorization")
	s.token = r.URL.Query().Get("token")
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, string(data))
		err = conn.WriteMessage(kind, data)
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func TestRawSocket_Echo(t *testing.T) {
	server, srv := newRawServer(t)

	tr := NewRawSocket(zerolog.Nop())
	rec := newRecorder()
	require.NoError(t, tr.Dial(context.Background(), Target{URL: srv.URL, Token: "tok", Paths: testPaths()}, rec))
	assert.Equal(t, 1, rec.Opened())

	<-server.ready
	server.mu.Lock()
	assert.Equal(t, "Bearer tok", server.auth)
	assert.Equal(t, "tok", server.token)
	server.mu.Unlock()

	require.NoError(t, tr.Send([]byte(`{"type":"ping","id":"h1"}`)))
	require.Eventually(t, func() bool { return len(rec.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"type":"ping","id":"h1"}`, rec.Messages()[0])

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrClosed)
	select {
	case err := <-rec.closed:
		t.Fatalf("OnClose after local Close: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRawSocket_PeerClose(t *testing.T) {
	server, srv := newRawServer(t)

	rec := newRecorder()
	require.NoError(t, NewRawSocket(zerolog.Nop()).Dial(context.Background(),
		Target{URL: srv.URL, Token: "tok", Paths: testPaths()}, rec))

	<-server.ready
	server.mu.Lock()
	_ = server.conn.Close()
	server.mu.Unlock()

	select {
	case err := <-rec.closed:
		assert.True(t, core.IsNetworkError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestRawSocket_CloseIsClean(t *testing.T) {
	server, srv := newRawServer(t)

	tr := NewRawSocket(zerolog.Nop())
	require.NoError(t, tr.Dial(context.Background(), Target{URL: srv.URL, Token: "tok", Paths: testPaths()}, newRecorder()))
	<-server.ready

	require.NoError(t, tr.Send([]byte(`{"type":"ping","id":"h1"}`)))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestRawSocket_CloseAfterWriteFailure(t *testing.T) {
	server, srv := newRawServer(t)

	tr := NewRawSocket(zerolog.Nop())
	require.NoError(t, tr.Dial(context.Background(), Target{URL: srv.URL, Token: "tok", Paths: testPaths()}, newRecorder()))
	<-server.ready

	// the local side closes the socket without a close frame
	tr.mu.Lock()
	_ = tr.conn.NetConn().Close()
	tr.mu.Unlock()

	require.NoError(t, tr.Close())
}

func TestRawSocket_HandshakeRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   core.ErrorType
	}{
		{"upgrade required", http.StatusUpgradeRequired, core.ErrorTypeTransportInitFailed},
		{"unauthorized", http.StatusUnauthorized, core.ErrorTypeUnauthorized},
		{"unavailable", http.StatusServiceUnavailable, core.ErrorTypeNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, srv := newRawServer(t)
			server.reject = tt.status

			err := NewRawSocket(zerolog.Nop()).Dial(context.Background(),
				Target{URL: srv.URL, Token: "tok", Paths: testPaths()}, newRecorder())
			require.Error(t, err)
			assert.Equal(t, tt.want, core.Classify(err))
		})
	}
}

func TestRawSocket_Refused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewRawSocket(zerolog.Nop()).Dial(context.Background(),
		Target{URL: url, Token: "tok", Paths: testPaths()}, newRecorder())
	require.Error(t, err)
	assert.False(t, core.IsTransportInitError(err))
	assert.Contains(t, err.Error(), string(core.TransportRawSocket))
}
