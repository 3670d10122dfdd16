package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	relayerrors "github.com/randalmurphal/eventrelay/pkg/eventrelay/errors"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
)

// ErrRateLimited is returned when the client-side rate limit refuses a
// write. It is transient.
var ErrRateLimited = errors.New("rate limited")

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("transport closed")

// BatchPath is the ingestion endpoint for event batches.
const BatchPath = "/api/v1/events/batch"

// maxAckedDigests bounds the verification set.
const maxAckedDigests = 1024

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// HTTP posts envelopes to an event-ingestion server. Writes may run in
// the background through WriteAsync. Verify succeeds for any payload the
// server acknowledged with a 2xx.
type HTTP struct {
	base        *url.URL
	client      *http.Client
	contentType string
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu     sync.Mutex
	acked  map[[32]byte]struct{}
	order  [][32]byte
	closed atomic.Bool
	wg     sync.WaitGroup
}

// Compile-time interface check.
var _ message.AsyncTransport = (*HTTP)(nil)

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the HTTP client (default: 10s timeout).
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		if client != nil {
			h.client = client
		}
	}
}

// WithContentType sets the request content type, normally the codec's.
func WithContentType(contentType string) HTTPOption {
	return func(h *HTTP) {
		if contentType != "" {
			h.contentType = contentType
		}
	}
}

// WithRateLimit limits writes to r per second with the given burst.
// Writes over the limit fail immediately with ErrRateLimited.
func WithRateLimit(r float64, burst int) HTTPOption {
	return func(h *HTTP) {
		if r > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		h.logger = logger
	}
}

// NewHTTP creates an HTTP transport targeting baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTP, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", baseURL)
	}

	h := &HTTP{
		base:        base,
		client:      &http.Client{Timeout: 10 * time.Second},
		contentType: "application/json",
		logger:      slog.Default(),
		acked:       make(map[[32]byte]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// endpoint maps a message category to its URL.
func (h *HTTP) endpoint(category string) string {
	path := "/api/v1/" + category
	switch category {
	case message.MessageEventBatch.String():
		path = BatchPath
	case message.MessageEvent.String():
		path = "/api/v1/events"
	}
	return h.base.JoinPath(path).String()
}

// Write implements message.Transport.
func (h *HTTP) Write(ctx context.Context, payload []byte, category string) error {
	if h.closed.Load() {
		return &relayerrors.TransportError{Op: "write", Category: category, Err: ErrClosed}
	}
	if h.limiter != nil && !h.limiter.Allow() {
		return &relayerrors.TransportError{Op: "write", Category: category, Err: ErrRateLimited}
	}

	endpoint := h.endpoint(category)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", h.contentType)

	resp, err := h.client.Do(req)
	if err != nil {
		return &relayerrors.TransportError{Op: "write", Category: category, Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpoint); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)

	h.recordAck(payload)
	return nil
}

// WriteAsync implements message.AsyncTransport. done is called from a
// new goroutine.
func (h *HTTP) WriteAsync(ctx context.Context, payload []byte, category string, done func(error)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		done(h.Write(ctx, payload, category))
	}()
}

// Read implements message.Transport. A 204 or 404 response means
// nothing is waiting.
func (h *HTTP) Read(ctx context.Context, category string) ([]byte, error) {
	endpoint := h.endpoint(category)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", h.contentType)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &relayerrors.TransportError{Op: "read", Category: category, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil, message.ErrNoData
	}
	if err := checkStatus(resp, endpoint); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &relayerrors.TransportError{Op: "read", Category: category, Err: err}
	}
	if len(data) == 0 {
		return nil, message.ErrNoData
	}
	return data, nil
}

// Verify implements message.Transport.
func (h *HTTP) Verify(_ context.Context, payload []byte, _ string) error {
	sum := blake3.Sum256(payload)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.acked[sum]; !ok {
		return message.ErrVerifyMismatch
	}
	return nil
}

// CleanupOldMessages implements message.Transport. Retention is the
// server's concern, so nothing is removed.
func (h *HTTP) CleanupOldMessages(context.Context, time.Duration) (int, error) {
	return 0, nil
}

// Available implements message.Transport.
func (h *HTTP) Available() bool {
	return !h.closed.Load()
}

// Close rejects new writes and waits for in-flight async writes.
func (h *HTTP) Close() error {
	h.closed.Store(true)
	h.wg.Wait()
	return nil
}

func (h *HTTP) recordAck(payload []byte) {
	sum := blake3.Sum256(payload)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.acked[sum]; ok {
		return
	}
	h.acked[sum] = struct{}{}
	h.order = append(h.order, sum)
	if len(h.order) > maxAckedDigests {
		delete(h.acked, h.order[0])
		h.order = h.order[1:]
	}
}

func checkStatus(resp *http.Response, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &relayerrors.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Endpoint:   endpoint,
	}
}
