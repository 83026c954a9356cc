package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sekretar/pkg/core"
)

// DefaultPollWait is how long the server may hold a poll open before answering empty.
const DefaultPollWait = 25 * time.Second

// pollResponse is the body of a long-poll answer.
type pollResponse struct {
	Cursor   string            `json:"cursor"`
	Messages []json.RawMessage `json:"messages"`
}

// Polling receives through repeated long-poll GETs and sends through HTTP posts.
type Polling struct {
	http   *HTTPClient
	wait   time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	handler Handler
	outbox  *outbox
	cancel  context.CancelFunc
	closed  bool
	cursor  string
	wg      sync.WaitGroup
}

// NewPolling creates an undialed long-polling transport.
func NewPolling(client *HTTPClient, wait time.Duration, logger zerolog.Logger) *Polling {
	if wait <= 0 {
		wait = DefaultPollWait
	}
	return &Polling{http: client, wait: wait, logger: logger}
}

func (t *Polling) Kind() core.TransportKind { return core.TransportPolling }

// Dial performs the first poll synchronously so an unsupported endpoint fails the dial.
func (t *Polling) Dial(ctx context.Context, target Target, h Handler) error {
	pollURL, err := endpoint(core.TransportPolling, target.URL, target.Paths.Poll, false, nil)
	if err != nil {
		return err
	}
	postURL, err := endpoint(core.TransportPolling, target.URL, target.Paths.Messages, false, nil)
	if err != nil {
		return err
	}

	// The first poll asks the server to answer immediately.
	first, err := t.poll(ctx, pollURL, target.Token, "", 0)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	token := target.Token
	t.mu.Lock()
	t.handler = h
	t.cancel = cancel
	t.cursor = first.Cursor
	t.outbox = newOutbox(func(ctx context.Context, data []byte) error {
		resp, err := t.http.PostJSON(ctx, postURL, token, data)
		if err != nil {
			return networkError(core.TransportPolling, "send failed", err)
		}
		if resp.IsError() {
			return protocolError(core.TransportPolling, fmt.Sprintf("send rejected with status %d", resp.StatusCode()), nil)
		}
		return nil
	}, h.OnError)
	t.mu.Unlock()

	t.logger.Info().Str("url", pollURL).Msg("long-polling started")
	h.OnOpen()
	t.deliver(first.Messages)

	t.wg.Add(1)
	go t.run(loopCtx, pollURL, token)
	return nil
}

func (t *Polling) run(ctx context.Context, pollURL, token string) {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		cursor := t.cursor
		t.mu.Unlock()

		resp, err := t.poll(ctx, pollURL, token, cursor, t.wait)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.finish(err)
			return
		}

		t.mu.Lock()
		if resp.Cursor != "" {
			t.cursor = resp.Cursor
		}
		t.mu.Unlock()
		t.deliver(resp.Messages)
	}
}

func (t *Polling) poll(ctx context.Context, pollURL, token, cursor string, wait time.Duration) (*pollResponse, error) {
	query := map[string]string{"wait": strconv.Itoa(int(wait / time.Millisecond))}
	if cursor != "" {
		query["cursor"] = cursor
	}

	reqCtx, cancel := context.WithTimeout(ctx, wait+10*time.Second)
	defer cancel()

	var result pollResponse
	resp, err := t.http.GetJSON(reqCtx, pollURL, token, query, &result)
	if err != nil {
		if ctx.Err() != nil {
			return nil, networkError(core.TransportPolling, "poll interrupted", ctx.Err())
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, networkError(core.TransportPolling, "poll failed", err)
		}
		return nil, protocolError(core.TransportPolling, "malformed poll response", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		if !hasMediaType(resp.Header(), "application/json") {
			return nil, initError(core.TransportPolling, fmt.Sprintf("unexpected content type %q", resp.Header().Get("Content-Type")), nil)
		}
		return &result, nil
	case http.StatusNoContent:
		return &pollResponse{Cursor: cursor}, nil
	default:
		return nil, statusError(core.TransportPolling, resp.StatusCode(), nil)
	}
}

func (t *Polling) deliver(messages []json.RawMessage) {
	t.mu.Lock()
	h, closed := t.handler, t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	for _, m := range messages {
		h.OnMessage(append([]byte(nil), m...))
	}
}

func (t *Polling) finish(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	h, ob, cancel := t.handler, t.outbox, t.cancel
	t.mu.Unlock()

	cancel()
	go ob.close()
	t.logger.Warn().Err(err).Msg("long-polling stopped")
	h.OnClose(err)
}

func (t *Polling) Send(data []byte) error {
	t.mu.Lock()
	ob, closed := t.outbox, t.closed
	t.mu.Unlock()
	if ob == nil || closed {
		return ErrClosed
	}
	return ob.push(append([]byte(nil), data...))
}

func (t *Polling) Close() error {
	t.mu.Lock()
	if t.closed || t.cancel == nil {
		t.closed = true
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, ob := t.cancel, t.outbox
	t.mu.Unlock()

	cancel()
	ob.close()
	t.wg.Wait()
	return nil
}
