package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/circuitbreaker"
)

// Request describes one upstream call carrying a pool credential.
type Request struct {
	Method     string // defaults to POST
	BaseURL    string
	Path       string
	Credential string
	Payload    json.RawMessage
	Headers    map[string]string
}

// UpstreamError is a non-2xx response from the provider. Transport
// failures and 5xx responses also trip the circuit breaker; 4xx
// responses are the provider doing its job and do not.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}

func (e *UpstreamError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Forwarder performs upstream HTTP calls, one circuit breaker per
// base URL so a failing provider does not block the others.
type Forwarder struct {
	client *http.Client
	// Streams outlive client.Timeout; cancellation comes from the
	// stream's context instead.
	streamClient *http.Client
	breakerCfg   circuitbreaker.Config

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

type Config struct {
	Timeout    time.Duration // Default: 120 seconds
	BreakerCfg circuitbreaker.Config
}

// isBreakerFailure classifies errors for the per-upstream breakers:
// transport failures and 5xx responses count, 4xx responses do not.
func isBreakerFailure(err error) bool {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func New(cfg Config) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.BreakerCfg.IsFailure == nil {
		cfg.BreakerCfg.IsFailure = isBreakerFailure
	}

	return &Forwarder{
		client:       &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
		breakerCfg:   cfg.BreakerCfg,
		breakers:     make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

func (f *Forwarder) breaker(baseURL string) *circuitbreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[baseURL]
	if !ok {
		cb = circuitbreaker.New(f.breakerCfg)
		f.breakers[baseURL] = cb
	}

	return cb
}

// BreakerState reports the circuit state for a base URL
func (f *Forwarder) BreakerState(baseURL string) circuitbreaker.State {
	return f.breaker(baseURL).State()
}

// BreakerMetrics snapshots every known circuit
func (f *Forwarder) BreakerMetrics() map[string]circuitbreaker.Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()

	metrics := make(map[string]circuitbreaker.Metrics, len(f.breakers))
	for baseURL, cb := range f.breakers {
		metrics[baseURL] = cb.Metrics()
	}
	return metrics
}

// ResetBreaker closes the circuit for a base URL; false when unknown
func (f *Forwarder) ResetBreaker(baseURL string) bool {
	f.mu.Lock()
	cb, ok := f.breakers[baseURL]
	f.mu.Unlock()

	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// Do performs a buffered upstream call and returns the JSON body
func (f *Forwarder) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	var body json.RawMessage

	err := f.breaker(req.BaseURL).Call(func() error {
		resp, err := f.send(ctx, f.client, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read upstream response: %w", err)
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return &UpstreamError{StatusCode: resp.StatusCode, Body: payload}
		}

		body = payload
		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// Stream performs an upstream call and returns a pull-based stream of
// parsed SSE chunks. The breaker wraps connection establishment; a
// stream that dies mid-read surfaces through ChunkStream.Next.
func (f *Forwarder) Stream(ctx context.Context, req Request) (*ChunkStream, error) {
	var stream *ChunkStream

	streamCtx, cancel := context.WithCancel(ctx)

	err := f.breaker(req.BaseURL).Call(func() error {
		resp, err := f.send(streamCtx, f.streamClient, req)
		if err != nil {
			return err
		}

		if resp.StatusCode >= http.StatusBadRequest {
			payload, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &UpstreamError{StatusCode: resp.StatusCode, Body: payload}
		}

		stream = newChunkStream(resp.Body, cancel)
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	return stream, nil
}

func (f *Forwarder) send(ctx context.Context, client *http.Client, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	url := strings.TrimRight(req.BaseURL, "/") + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	return resp, nil
}
