// Package transport provides the interchangeable connections a realtime manager runs over:
// a multiplexed socket speaking Engine.IO/Socket.IO framing, a raw websocket, a server-sent
// events stream and HTTP long-polling, plus the fallback Selector that picks between them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sekretar/pkg/core"
)

// Handler receives the callbacks of one dialed transport.
// OnOpen is called exactly once per successful Dial, before Dial returns.
// OnClose is called at most once, when the connection ends for any reason other than Close.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	OnError(err error)
	OnClose(err error)
}

// Target describes the endpoint a transport dials.
type Target struct {
	URL    string
	Token  string
	Paths  core.Paths
	Header http.Header
}

// Transport is one concrete connection variant. A Transport is dialed at most once.
type Transport interface {
	Kind() core.TransportKind
	// Dial blocks until the connection is open or has failed.
	Dial(ctx context.Context, target Target, h Handler) error
	Send(data []byte) error
	Close() error
}

// Factory creates an undialed Transport of the given kind.
type Factory func(kind core.TransportKind) (Transport, error)

// Options configures the transports built by NewFactory.
type Options struct {
	Logger zerolog.Logger
	// HTTP is shared by the SSE and polling transports. NewFactory creates one when nil.
	HTTP *HTTPClient
	// PollWait is how long the server may hold a long-poll request.
	PollWait time.Duration
}

// NewFactory returns a Factory building the standard transports.
func NewFactory(opts Options) Factory {
	if opts.HTTP == nil {
		opts.HTTP = NewHTTPClient(HTTPConfig{}, opts.Logger)
	}
	if opts.PollWait == 0 {
		opts.PollWait = DefaultPollWait
	}
	return func(kind core.TransportKind) (Transport, error) {
		logger := opts.Logger.With().Str("transport", kind.String()).Logger()
		switch kind {
		case core.TransportMultiplexed:
			return NewMultiplexed(logger), nil
		case core.TransportRawSocket:
			return NewRawSocket(logger), nil
		case core.TransportSSE:
			return NewSSE(opts.HTTP, logger), nil
		case core.TransportPolling:
			return NewPolling(opts.HTTP, opts.PollWait, logger), nil
		default:
			return nil, initError(kind, "unknown transport", nil)
		}
	}
}

// ErrClosed is returned by Send after Close or after the connection ended.
var ErrClosed = errors.New("transport closed")

func initError(kind core.TransportKind, msg string, cause error) error {
	if cause == nil {
		cause = core.ErrTransportInit
	} else if !errors.Is(cause, core.ErrTransportInit) {
		cause = fmt.Errorf("%w: %w", core.ErrTransportInit, cause)
	}
	return core.NewConnectionError(core.ErrorTypeTransportInitFailed, msg, cause).WithTransport(kind)
}

func networkError(kind core.TransportKind, msg string, cause error) error {
	return core.NewConnectionError(core.ErrorTypeNetwork, msg, cause).WithTransport(kind)
}

func protocolError(kind core.TransportKind, msg string, cause error) error {
	return core.NewConnectionError(core.ErrorTypeTransport, msg, cause).WithTransport(kind)
}

func unauthorizedError(kind core.TransportKind, msg string) error {
	return core.NewConnectionError(core.ErrorTypeUnauthorized, msg, core.ErrUnauthorized).WithTransport(kind)
}

// statusError classifies a failed handshake by its HTTP status. Statuses meaning the endpoint
// does not speak this transport are init failures; everything else is retried with backoff.
func statusError(kind core.TransportKind, status int, cause error) error {
	msg := fmt.Sprintf("handshake rejected with status %d", status)
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusMethodNotAllowed,
		http.StatusUpgradeRequired, http.StatusNotImplemented:
		return initError(kind, msg, cause)
	case http.StatusUnauthorized, http.StatusForbidden:
		return unauthorizedError(kind, msg)
	default:
		if cause == nil {
			cause = errors.New(http.StatusText(status))
		}
		return networkError(kind, msg, cause)
	}
}

// dialFailure classifies a dial error that carries no HTTP status. Interrupted dials and
// socket errors are network failures; anything else is a transport error.
func dialFailure(kind core.TransportKind, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return networkError(kind, "dial interrupted", err)
	}
	if core.Classify(err) == core.ErrorTypeNetwork {
		return networkError(kind, "dial failed", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return networkError(kind, "dial failed", err)
	}
	return protocolError(kind, "dial failed", err)
}

// endpoint joins base and path and maps the scheme onto the websocket (ws, wss) or HTTP
// (http, https) family. Unsupported schemes are init failures.
func endpoint(kind core.TransportKind, base, path string, websocket bool, query url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", initError(kind, "invalid server url", err)
	}

	secure := false
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
	case "https", "wss":
		secure = true
	default:
		return "", initError(kind, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	switch {
	case websocket && secure:
		u.Scheme = "wss"
	case websocket:
		u.Scheme = "ws"
	case secure:
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func authHeader(base http.Header, token string) http.Header {
	h := base.Clone()
	if h == nil {
		h = http.Header{}
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
