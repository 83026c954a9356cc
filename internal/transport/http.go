package transport

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"resty.dev/v3"
)

// HTTPConfig configures the HTTP client shared by the SSE and polling transports.
type HTTPConfig struct {
	// RequestTimeout bounds the non streaming requests (posts).
	RequestTimeout time.Duration
	Headers        map[string]string
}

// HTTPClient wraps resty with sonic encoding and request logging. It never sets a client
// wide timeout so event streams stay open; request lifetimes come from contexts.
type HTTPClient struct {
	client  *resty.Client
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(config HTTPConfig, logger zerolog.Logger) *HTTPClient {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}

	client := resty.New()
	client.AddContentTypeEncoder("application/json", func(w io.Writer, v any) error {
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	client.AddContentTypeDecoder("application/json", func(r io.Reader, v any) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return sonic.Unmarshal(data, v)
	})
	for k, v := range config.Headers {
		client.SetHeader(k, v)
	}

	client.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		logger.Debug().
			Str("method", req.Method).
			Str("url", req.URL).
			Msg("http request")
		return nil
	})

	return &HTTPClient{
		client:  client,
		logger:  logger,
		timeout: config.RequestTimeout,
	}
}

// Close releases idle connections. Later requests fail.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

func (c *HTTPClient) request(ctx context.Context, token string) (*resty.Request, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("http client is closed")
	}
	req := c.client.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	return req, nil
}

// Stream opens a long lived GET whose body the caller must close.
func (c *HTTPClient) Stream(ctx context.Context, url, token, accept string) (*resty.Response, error) {
	req, err := c.request(ctx, token)
	if err != nil {
		return nil, err
	}
	return req.
		SetHeader("Accept", accept).
		SetHeader("Cache-Control", "no-cache").
		SetDoNotParseResponse(true).
		Get(url)
}

// GetJSON performs a GET decoding a JSON response into result.
func (c *HTTPClient) GetJSON(ctx context.Context, url, token string, query map[string]string, result any) (*resty.Response, error) {
	req, err := c.request(ctx, token)
	if err != nil {
		return nil, err
	}
	return req.
		SetHeader("Accept", "application/json").
		SetQueryParams(query).
		SetResult(result).
		Get(url)
}

// PostJSON sends an already encoded JSON body.
func (c *HTTPClient) PostJSON(ctx context.Context, url, token string, body []byte) (*resty.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.request(ctx, token)
	if err != nil {
		return nil, err
	}
	return req.
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
}

func hasMediaType(header http.Header, want string) bool {
	mt, _, err := mime.ParseMediaType(header.Get("Content-Type"))
	return err == nil && mt == want
}

// outbox serializes the HTTP posts of the unidirectional transports on one goroutine so a
// caller never blocks on the network and messages keep their order.
type outbox struct {
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	post   func(ctx context.Context, data []byte) error
	report func(err error)
	ctx    context.Context
	cancel context.CancelFunc
}

const outboxSize = 256

func newOutbox(post func(ctx context.Context, data []byte) error, report func(error)) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		queue:  make(chan []byte, outboxSize),
		done:   make(chan struct{}),
		post:   post,
		report: report,
		ctx:    ctx,
		cancel: cancel,
	}
	o.wg.Add(1)
	go o.run()
	return o
}

func (o *outbox) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case data := <-o.queue:
			if err := o.post(o.ctx, data); err != nil {
				o.report(err)
			}
		}
	}
}

func (o *outbox) push(data []byte) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.queue <- data:
		return nil
	default:
		return fmt.Errorf("send queue full (%d pending)", outboxSize)
	}
}

func (o *outbox) close() {
	o.once.Do(func() {
		close(o.done)
		o.cancel()
	})
	o.wg.Wait()
}
