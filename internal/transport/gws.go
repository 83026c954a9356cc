package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lxzan/gws"
	"github.com/rs/zerolog"

	"sekretar/pkg/core"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// RawSocket is a plain websocket carrying JSON envelopes as text frames.
type RawSocket struct {
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *gws.Conn
	handler Handler
	closed  bool
	wg      sync.WaitGroup
}

// NewRawSocket creates an undialed raw websocket transport.
func NewRawSocket(logger zerolog.Logger) *RawSocket {
	return &RawSocket{logger: logger}
}

func (t *RawSocket) Kind() core.TransportKind { return core.TransportRawSocket }

type dialResult struct {
	conn *gws.Conn
	resp *http.Response
	err  error
}

func (t *RawSocket) Dial(ctx context.Context, target Target, h Handler) error {
	addr, err := endpoint(core.TransportRawSocket, target.URL, target.Paths.Raw, true, url.Values{"token": {target.Token}})
	if err != nil {
		return err
	}

	timeout := defaultHandshakeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	events := &gwsEvents{transport: t}
	done := make(chan dialResult, 1)
	go func() {
		conn, resp, err := gws.NewClient(events, &gws.ClientOption{
			Addr:             addr,
			RequestHeader:    authHeader(target.Header, target.Token),
			HandshakeTimeout: timeout,
		})
		done <- dialResult{conn: conn, resp: resp, err: err}
	}()

	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.NetConn().Close()
			}
		}()
		return networkError(core.TransportRawSocket, "websocket dial interrupted", ctx.Err())
	}

	if res.err != nil {
		if res.resp != nil && res.resp.StatusCode != http.StatusSwitchingProtocols {
			return statusError(core.TransportRawSocket, res.resp.StatusCode, res.err)
		}
		return dialFailure(core.TransportRawSocket, res.err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = res.conn.NetConn().Close()
		return ErrClosed
	}
	t.conn = res.conn
	t.handler = h
	t.mu.Unlock()

	t.logger.Info().Str("url", addr).Msg("websocket connected")
	h.OnOpen()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		res.conn.ReadLoop()
	}()
	return nil
}

func (t *RawSocket) Send(data []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return ErrClosed
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := conn.WriteMessage(gws.OpcodeText, data); err != nil {
		return networkError(core.TransportRawSocket, "write failed", err)
	}
	return nil
}

func (t *RawSocket) Close() error {
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
	// WriteClose also closes the underlying connection.
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	err := conn.WriteClose(1000, nil)
	t.wg.Wait()
	if err == nil || errors.Is(err, gws.ErrConnClosed) {
		return nil
	}
	return networkError(core.TransportRawSocket, "close failed", err)
}

// active returns the handler unless the transport was closed locally.
func (t *RawSocket) active() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.handler
}

type gwsEvents struct {
	transport *RawSocket
}

func (e *gwsEvents) OnOpen(*gws.Conn) {}

func (e *gwsEvents) OnClose(_ *gws.Conn, err error) {
	t := e.transport
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	h := t.handler
	t.mu.Unlock()

	t.logger.Warn().Err(err).Msg("websocket disconnected")
	if h != nil {
		h.OnClose(networkError(core.TransportRawSocket, "websocket closed by peer", err))
	}
}

func (e *gwsEvents) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	_ = socket.WritePong(payload)
}

func (e *gwsEvents) OnPong(*gws.Conn, []byte) {}

func (e *gwsEvents) OnMessage(_ *gws.Conn, message *gws.Message) {
	// The buffer is recycled by Close.
	data := append([]byte(nil), message.Bytes()...)
	_ = message.Close()
	if len(data) == 0 {
		return
	}
	if h := e.transport.active(); h != nil {
		h.OnMessage(data)
	}
}
