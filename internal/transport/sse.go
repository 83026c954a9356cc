package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"sekretar/pkg/core"
)

const maxEventSize = 1 << 20

// SSE receives over a text/event-stream and sends through separate HTTP posts.
type SSE struct {
	http   *HTTPClient
	logger zerolog.Logger

	mu      sync.Mutex
	body    io.ReadCloser
	cancel  context.CancelFunc
	outbox  *outbox
	closed  bool
	handler Handler
	wg      sync.WaitGroup
}

// NewSSE creates an undialed SSE transport.
func NewSSE(client *HTTPClient, logger zerolog.Logger) *SSE {
	return &SSE{http: client, logger: logger}
}

func (t *SSE) Kind() core.TransportKind { return core.TransportSSE }

func (t *SSE) Dial(ctx context.Context, target Target, h Handler) error {
	streamURL, err := endpoint(core.TransportSSE, target.URL, target.Paths.Events, false, url.Values{"token": {target.Token}})
	if err != nil {
		return err
	}
	postURL, err := endpoint(core.TransportSSE, target.URL, target.Paths.Messages, false, nil)
	if err != nil {
		return err
	}

	// The stream outlives ctx; ctx only bounds the wait for response headers.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	resp, err := t.http.Stream(streamCtx, streamURL, target.Token, "text/event-stream")
	interrupted := !stop()
	if err != nil {
		cancel()
		if interrupted {
			return networkError(core.TransportSSE, "event stream dial interrupted", ctx.Err())
		}
		return dialFailure(core.TransportSSE, err)
	}
	if resp.StatusCode() != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return statusError(core.TransportSSE, resp.StatusCode(), nil)
	}
	if !hasMediaType(resp.Header(), "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return initError(core.TransportSSE, fmt.Sprintf("unexpected content type %q", resp.Header().Get("Content-Type")), nil)
	}

	token := target.Token
	t.mu.Lock()
	t.body = resp.Body
	t.cancel = cancel
	t.handler = h
	t.outbox = newOutbox(func(ctx context.Context, data []byte) error {
		resp, err := t.http.PostJSON(ctx, postURL, token, data)
		if err != nil {
			return networkError(core.TransportSSE, "send failed", err)
		}
		if resp.IsError() {
			return protocolError(core.TransportSSE, fmt.Sprintf("send rejected with status %d", resp.StatusCode()), nil)
		}
		return nil
	}, h.OnError)
	t.mu.Unlock()

	t.logger.Info().Str("url", streamURL).Msg("event stream opened")
	h.OnOpen()

	t.wg.Add(1)
	go t.read(resp.Body)
	return nil
}

func (t *SSE) read(body io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var (
		event string
		data  bytes.Buffer
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				t.deliver(event, bytes.TrimSuffix(data.Bytes(), []byte("\n")))
			}
			event = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.finish(err)
}

// deliver forwards one event. Named events other than "message" carry their name as the
// envelope type.
func (t *SSE) deliver(event string, data []byte) {
	t.mu.Lock()
	h := t.handler
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	if event != "" && event != "message" {
		wrapped, err := core.EncodeEnvelope(core.Envelope{Type: event, Data: append([]byte(nil), data...)})
		if err != nil {
			h.OnError(protocolError(core.TransportSSE, "failed to wrap named event", err))
			return
		}
		data = wrapped
	} else {
		data = append([]byte(nil), data...)
	}
	h.OnMessage(data)
}

func (t *SSE) finish(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	h := t.handler
	ob := t.outbox
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	go ob.close()

	if errors.Is(err, io.EOF) {
		err = networkError(core.TransportSSE, "event stream ended", err)
	} else {
		err = networkError(core.TransportSSE, "event stream failed", err)
	}
	t.logger.Warn().Err(err).Msg("event stream closed")
	h.OnClose(err)
}

func (t *SSE) Send(data []byte) error {
	t.mu.Lock()
	ob, closed := t.outbox, t.closed
	t.mu.Unlock()
	if ob == nil || closed {
		return ErrClosed
	}
	return ob.push(append([]byte(nil), data...))
}

func (t *SSE) Close() error {
	t.mu.Lock()
	if t.closed || t.body == nil {
		t.closed = true
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	body, cancel, ob := t.body, t.cancel, t.outbox
	t.mu.Unlock()

	cancel()
	err := body.Close()
	ob.close()
	t.wg.Wait()
	return err
}
