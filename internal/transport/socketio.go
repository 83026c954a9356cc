package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sekretar/pkg/core"
)

// Engine.IO v4 packet types, and the Socket.IO packet types carried in a message packet.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

const messageEvent = "message"

// eioHandshake is the payload of the Engine.IO open packet.
type eioHandshake struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

func (h eioHandshake) readTimeout() time.Duration {
	if h.PingInterval <= 0 {
		return 0
	}
	return time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
}

// Multiplexed speaks Socket.IO framing over a websocket: an Engine.IO open packet, a
// namespace connect carrying the token, then events.
type Multiplexed struct {
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler Handler
	closed  bool
	timeout time.Duration
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewMultiplexed creates an undialed multiplexed transport.
func NewMultiplexed(logger zerolog.Logger) *Multiplexed {
	return &Multiplexed{logger: logger}
}

func (t *Multiplexed) Kind() core.TransportKind { return core.TransportMultiplexed }

func (t *Multiplexed) Dial(ctx context.Context, target Target, h Handler) error {
	addr, err := endpoint(core.TransportMultiplexed, target.URL, target.Paths.Socket, true,
		url.Values{"EIO": {"4"}, "transport": {"websocket"}})
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, addr, authHeader(target.Header, target.Token))
	if err != nil {
		if resp != nil {
			return statusError(core.TransportMultiplexed, resp.StatusCode, err)
		}
		return dialFailure(core.TransportMultiplexed, err)
	}

	// The handshake packets are bounded by ctx.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	hs, err := t.handshake(conn, target.Token)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return networkError(core.TransportMultiplexed, "socket handshake interrupted", ctx.Err())
		}
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.handler = h
	t.timeout = hs.readTimeout()
	t.mu.Unlock()

	t.logger.Info().Str("url", addr).Str("sid", hs.SID).Msg("socket connected")
	h.OnOpen()

	t.wg.Add(1)
	go t.read(conn)
	return nil
}

func (t *Multiplexed) handshake(conn *websocket.Conn, token string) (eioHandshake, error) {
	var hs eioHandshake

	packet, err := readPacket(conn)
	if err != nil {
		return hs, networkError(core.TransportMultiplexed, "failed to read open packet", err)
	}
	if len(packet) == 0 || packet[0] != eioOpen {
		return hs, initError(core.TransportMultiplexed, fmt.Sprintf("expected open packet, got %q", truncate(packet)), nil)
	}
	if err := sonic.Unmarshal(packet[1:], &hs); err != nil {
		return hs, initError(core.TransportMultiplexed, "malformed open packet", err)
	}

	auth, err := sonic.Marshal(map[string]string{"token": token})
	if err != nil {
		return hs, protocolError(core.TransportMultiplexed, "failed to encode auth", err)
	}
	if err := t.write(conn, append([]byte{eioMessage, sioConnect}, auth...)); err != nil {
		return hs, networkError(core.TransportMultiplexed, "failed to send connect packet", err)
	}

	for {
		packet, err := readPacket(conn)
		if err != nil {
			return hs, networkError(core.TransportMultiplexed, "failed to read connect reply", err)
		}
		switch {
		case len(packet) == 1 && packet[0] == eioPing:
			if err := t.write(conn, []byte{eioPong}); err != nil {
				return hs, networkError(core.TransportMultiplexed, "failed to answer ping", err)
			}
		case len(packet) >= 2 && packet[0] == eioMessage && packet[1] == sioConnect:
			return hs, nil
		case len(packet) >= 2 && packet[0] == eioMessage && packet[1] == sioConnectError:
			return hs, unauthorizedError(core.TransportMultiplexed, "namespace connect refused: "+connectErrorMessage(packet[2:]))
		default:
			return hs, protocolError(core.TransportMultiplexed, fmt.Sprintf("unexpected packet during connect %q", truncate(packet)), nil)
		}
	}
}

func connectErrorMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := sonic.Unmarshal(payload, &body); err != nil || body.Message == "" {
		return "unauthorized"
	}
	return body.Message
}

func (t *Multiplexed) read(conn *websocket.Conn) {
	defer t.wg.Done()

	t.mu.Lock()
	timeout := t.timeout
	t.mu.Unlock()

	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
		packet, err := readPacket(conn)
		if err != nil {
			t.finish(networkError(core.TransportMultiplexed, "socket read failed", err))
			return
		}
		if len(packet) == 0 {
			continue
		}

		switch packet[0] {
		case eioPing:
			if err := t.write(conn, []byte{eioPong}); err != nil {
				t.finish(networkError(core.TransportMultiplexed, "failed to answer ping", err))
				return
			}
		case eioPong:
		case eioClose:
			t.finish(networkError(core.TransportMultiplexed, "server closed the session", nil))
			return
		case eioMessage:
			if len(packet) < 2 {
				continue
			}
			switch packet[1] {
			case sioEvent:
				t.event(packet[2:])
			case sioDisconnect:
				t.finish(networkError(core.TransportMultiplexed, "server disconnected the namespace", nil))
				return
			}
		}
	}
}

// event unpacks ["name", payload]. The payload of "message" events is a JSON envelope;
// other events become an envelope typed by their name.
func (t *Multiplexed) event(body []byte) {
	h := t.active()
	if h == nil {
		return
	}

	var args []json.RawMessage
	if err := sonic.Unmarshal(body, &args); err != nil || len(args) == 0 {
		h.OnError(protocolError(core.TransportMultiplexed, "malformed event packet", err))
		return
	}
	var name string
	if err := sonic.Unmarshal(args[0], &name); err != nil {
		h.OnError(protocolError(core.TransportMultiplexed, "malformed event name", err))
		return
	}

	var payload json.RawMessage
	if len(args) > 1 {
		payload = args[1]
	}
	if name == messageEvent {
		h.OnMessage(append([]byte(nil), payload...))
		return
	}
	wrapped, err := core.EncodeEnvelope(core.Envelope{Type: name, Data: payload})
	if err != nil {
		h.OnError(protocolError(core.TransportMultiplexed, "failed to wrap event", err))
		return
	}
	h.OnMessage(wrapped)
}

func (t *Multiplexed) active() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.handler
}

func (t *Multiplexed) finish(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	h, conn := t.handler, t.conn
	t.mu.Unlock()

	_ = conn.Close()
	t.logger.Warn().Err(err).Msg("socket disconnected")
	h.OnClose(err)
}

func (t *Multiplexed) write(conn *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultHandshakeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send emits data as the payload of a "message" event.
func (t *Multiplexed) Send(data []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return ErrClosed
	}
	if !sonic.Valid(data) {
		return protocolError(core.TransportMultiplexed, "payload is not valid JSON", nil)
	}

	packet := make([]byte, 0, len(data)+16)
	packet = append(packet, eioMessage, sioEvent)
	packet = append(packet, `["`+messageEvent+`",`...)
	packet = append(packet, data...)
	packet = append(packet, ']')
	if err := t.write(conn, packet); err != nil {
		return networkError(core.TransportMultiplexed, "write failed", err)
	}
	return nil
}

func (t *Multiplexed) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = t.write(conn, []byte{eioMessage, sioDisconnect})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second))
	err := conn.Close()
	t.wg.Wait()
	return err
}

func readPacket(conn *websocket.Conn) ([]byte, error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func truncate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}
