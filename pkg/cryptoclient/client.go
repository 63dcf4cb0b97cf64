package cryptoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/civitas/tally/pkg/log"
	"github.com/civitas/tally/pkg/metrics"
)

// Crypto service endpoints.
const (
	EndpointTally          = "/tally"
	EndpointPartialDecrypt = "/partial-decrypt"
	EndpointCompensate     = "/compensate"
	EndpointCombine        = "/combine"
	EndpointEncrypt        = "/encrypt"
)

// Config holds the connection pool contract for the crypto service.
// Stale and exhausted connections were the dominant operational failure
// mode, hence the explicit sizing and the telemetry on every request.
type Config struct {
	BaseURL string

	// MaxTotal caps connections across all hosts; MaxPerHost per host.
	MaxTotal   int
	MaxPerHost int

	// ConnTTL is the hard time to live of a connection; IdleValidation is
	// how long a connection may sit idle before it is not trusted for
	// reuse.
	ConnTTL        time.Duration
	IdleValidation time.Duration

	// AcquireTimeout bounds the wait for a pooled connection; the request
	// fails fast instead of deadlocking on an exhausted pool.
	AcquireTimeout time.Duration

	// ResponseTimeout bounds the full request. Cryptographic calls can
	// legitimately take minutes.
	ResponseTimeout time.Duration
}

// PoolStats is a point-in-time snapshot of pool usage.
type PoolStats struct {
	Available int64
	Leased    int64
	Pending   int64
}

// Client performs POST RPCs against the external crypto microservice over
// a pooled HTTP connection manager.
type Client struct {
	base       string
	hc         *http.Client
	transport  *http.Transport
	maxPerHost int
	acquire    time.Duration

	reqSeq  atomic.Uint64
	leased  atomic.Int64
	pending atomic.Int64

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewClient builds a client with an explicitly sized transport. Idle
// connections are evicted on build and every 10 seconds thereafter.
func NewClient(cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxTotal,
		MaxConnsPerHost:     cfg.MaxPerHost,
		MaxIdleConnsPerHost: cfg.MaxPerHost,
		// Idle connections past the validation window are dropped rather
		// than revalidated; a fresh dial is cheaper than a stale socket.
		IdleConnTimeout: cfg.IdleValidation,
	}
	// Evict anything a previous transport may have left behind.
	transport.CloseIdleConnections()

	c := &Client{
		base:       cfg.BaseURL,
		transport:  transport,
		maxPerHost: cfg.MaxPerHost,
		acquire:    cfg.AcquireTimeout,
		hc: &http.Client{
			Transport: transport,
			Timeout:   cfg.ResponseTimeout,
		},
		stopCh: make(chan struct{}),
		logger: log.WithComponent("cryptoclient"),
	}

	go c.evictLoop(cfg.ConnTTL)
	return c
}

// Close stops the background eviction loop and drops idle connections.
func (c *Client) Close() {
	close(c.stopCh)
	c.transport.CloseIdleConnections()
}

// evictLoop sweeps the pool every 10 seconds and enforces the hard
// connection TTL by closing all idle connections once per TTL window.
func (c *Client) evictLoop(ttl time.Duration) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	lastFullSweep := time.Now()
	for {
		select {
		case <-ticker.C:
			if time.Since(lastFullSweep) >= ttl {
				c.transport.CloseIdleConnections()
				lastFullSweep = time.Now()
			}
		case <-c.stopCh:
			return
		}
	}
}

// Stats returns the current pool usage snapshot.
func (c *Client) Stats() PoolStats {
	leased := c.leased.Load()
	available := int64(c.maxPerHost) - leased
	if available < 0 {
		available = 0
	}
	return PoolStats{
		Available: available,
		Leased:    leased,
		Pending:   c.pending.Load(),
	}
}

// PostJSON serializes reqBody, POSTs it to endpoint, and decodes the
// response into respBody. It fails with *TransportError on timeouts,
// resets and pool exhaustion, and *ProtocolError on non-2xx statuses or
// malformed response bodies.
func (c *Client) PostJSON(ctx context.Context, endpoint string, reqBody, respBody interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return errors.Wrap(err, "failed to serialize request")
	}
	return c.post(ctx, endpoint, payload, nil, respBody)
}

func (c *Client) post(ctx context.Context, endpoint string, payload []byte, extraHeaders map[string]string, respBody interface{}) error {
	reqID := c.reqSeq.Add(1)
	start := time.Now()
	before := c.Stats()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Fail fast when no connection can be acquired within the window;
	// the watchdog is disarmed the moment a connection is handed over.
	acquireTimedOut := atomic.Bool{}
	watchdog := time.AfterFunc(c.acquire, func() {
		acquireTimedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	var waiting, got atomic.Bool
	trace := &httptrace.ClientTrace{
		GetConn: func(string) {
			waiting.Store(true)
			c.pending.Add(1)
		},
		GotConn: func(httptrace.GotConnInfo) {
			got.Store(true)
			c.pending.Add(-1)
			c.leased.Add(1)
			watchdog.Stop()
		},
	}
	defer func() {
		if waiting.Load() && !got.Load() {
			c.pending.Add(-1)
		}
		if got.Load() {
			c.leased.Add(-1)
		}
		c.recordStats(endpoint, reqID, before, start)
	}()

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(reqCtx, trace), http.MethodPost, c.base+endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", strconv.FormatUint(reqID, 10))
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		metrics.CryptoRequests.WithLabelValues(endpoint, "transport_error").Inc()
		if acquireTimedOut.Load() {
			return &TransportError{RequestID: reqID, Err: errors.Wrap(err, "connection acquisition timed out")}
		}
		return &TransportError{RequestID: reqID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		metrics.CryptoRequests.WithLabelValues(endpoint, "transport_error").Inc()
		return &TransportError{RequestID: reqID, Err: errors.Wrap(err, "failed to read response")}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.CryptoRequests.WithLabelValues(endpoint, "protocol_error").Inc()
		return &ProtocolError{RequestID: reqID, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			metrics.CryptoRequests.WithLabelValues(endpoint, "protocol_error").Inc()
			return &ProtocolError{RequestID: reqID, StatusCode: resp.StatusCode, Body: "malformed response body"}
		}
	}

	metrics.CryptoRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

// recordStats publishes pool gauges and warns when the pool runs hot.
func (c *Client) recordStats(endpoint string, reqID uint64, before PoolStats, start time.Time) {
	after := c.Stats()
	metrics.PoolLeased.Set(float64(after.Leased))
	metrics.PoolPending.Set(float64(after.Pending))
	metrics.PoolAvailable.Set(float64(after.Available))
	metrics.CryptoRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	usage := float64(after.Leased) / float64(c.maxPerHost)
	if usage > 0.8 || after.Pending > 0 {
		c.logger.Warn().
			Str("tag", "POOL_USAGE_HIGH").
			Uint64("request_id", reqID).
			Str("endpoint", endpoint).
			Int64("leased", after.Leased).
			Int64("pending", after.Pending).
			Int64("available", after.Available).
			Int64("leased_before", before.Leased).
			Int64("pending_before", before.Pending).
			Msg("crypto connection pool usage high")
		return
	}
	c.logger.Debug().
		Uint64("request_id", reqID).
		Str("endpoint", endpoint).
		Int64("leased", after.Leased).
		Int64("pending", after.Pending).
		Dur("elapsed", time.Since(start)).
		Msg("crypto request finished")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// TransportError is a transient failure below the HTTP protocol:
// timeouts, connection resets, pool exhaustion. Retriable.
type TransportError struct {
	RequestID uint64
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("crypto service transport error (request %d): %v", e.RequestID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-2xx status or a malformed body from the crypto
// service. Surfaces as a chunk failure.
type ProtocolError struct {
	RequestID  uint64
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("crypto service protocol error (request %d): status %d: %s", e.RequestID, e.StatusCode, e.Body)
}
