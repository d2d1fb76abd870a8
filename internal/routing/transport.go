package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// transportCacheSize caps the number of per-address transports kept alive.
	transportCacheSize = 256
	dialTimeout        = 10 * time.Second
	maxDrainBytes      = 64 << 10
)

// ErrRetryLimit is returned when every allowed attempt was rate limited.
var ErrRetryLimit = errors.New("routeplanner: retry aborted, too many retries on rate limit")

type requestKindKey struct{}

// WithRequestKind tags ctx so the transport knows whether a failure may mark
// the address as failing.
func WithRequestKind(ctx context.Context, kind RequestKind) context.Context {
	return context.WithValue(ctx, requestKindKey{}, kind)
}

// RequestKindFrom returns the kind stored in ctx, KindPlayback by default.
func RequestKindFrom(ctx context.Context) RequestKind {
	if kind, ok := ctx.Value(requestKindKey{}).(RequestKind); ok {
		return kind
	}
	return KindPlayback
}

// RetryPolicy bounds how many addresses one request may try.
type RetryPolicy struct {
	maxAttempts int
}

// NewRetryPolicy builds a policy from the configured retry limit: a negative
// limit disables retries, zero allows unlimited attempts and a positive value
// caps the number of attempts.
func NewRetryPolicy(limit int) RetryPolicy {
	switch {
	case limit < 0:
		return RetryPolicy{maxAttempts: 1}
	case limit == 0:
		return RetryPolicy{maxAttempts: math.MaxInt}
	default:
		return RetryPolicy{maxAttempts: limit}
	}
}

// Enabled reports whether requests are retried at all.
func (r RetryPolicy) Enabled() bool {
	return r.maxAttempts > 1
}

// Allows reports whether attempt (1-based) may be made.
func (r RetryPolicy) Allows(attempt int) bool {
	return attempt <= r.maxAttempts
}

// RoundTripperFactory builds the round tripper used for one local address.
type RoundTripperFactory func(local netip.Addr) http.RoundTripper

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithRoundTripperFactory replaces the per-address round tripper factory.
func WithRoundTripperFactory(factory RoundTripperFactory) TransportOption {
	return func(t *Transport) {
		t.factory = factory
	}
}

// Transport is an http.RoundTripper that binds every attempt to an address
// drawn from a Planner and rotates on rate limits or bind failures.
type Transport struct {
	planner    *Planner
	policy     RetryPolicy
	logger     *zap.Logger
	factory    RoundTripperFactory
	transports *lru.Cache[netip.Addr, http.RoundTripper]
}

// NewTransport creates a route-planned transport.
func NewTransport(planner *Planner, policy RetryPolicy, logger *zap.Logger, opts ...TransportOption) (*Transport, error) {
	cache, err := lru.NewWithEvict[netip.Addr, http.RoundTripper](transportCacheSize,
		func(_ netip.Addr, rt http.RoundTripper) {
			if closer, ok := rt.(interface{ CloseIdleConnections() }); ok {
				closer.CloseIdleConnections()
			}
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport cache: %w", err)
	}

	t := &Transport{
		planner:    planner,
		policy:     policy,
		logger:     logger,
		factory:    boundTransport,
		transports: cache,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Client wraps the transport in an http.Client with the given timeout.
func (t *Transport) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: t, Timeout: timeout}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	kind := RequestKindFrom(req.Context())

	for attempt := 1; ; attempt++ {
		addr, err := t.planner.Next()
		if err != nil {
			return nil, err
		}

		attemptReq, err := rewind(req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := t.roundTripperFor(addr).RoundTrip(attemptReq)
		switch {
		case err != nil:
			if !isBindError(err) {
				return nil, err
			}
			t.logger.Warn("Cannot assign requested address, marking address as failing",
				zap.String("address", addr.String()), zap.Error(err))
			// An unmarked address would be handed out again straight away.
			if !t.planner.MarkFailing(addr, KindPlayback) || !t.policy.Allows(attempt+1) {
				return nil, err
			}

		case resp.StatusCode == http.StatusTooManyRequests:
			t.logger.Warn("Rate limit reached",
				zap.String("address", addr.String()),
				zap.String("host", req.URL.Host),
				zap.Int("attempt", attempt))
			marked := t.planner.MarkFailing(addr, kind)
			if !marked || !t.policy.Enabled() {
				return resp, nil
			}
			drain(resp.Body)
			if !t.policy.Allows(attempt + 1) {
				return nil, ErrRetryLimit
			}

		default:
			return resp, nil
		}

		if err := req.Context().Err(); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) roundTripperFor(addr netip.Addr) http.RoundTripper {
	if rt, ok := t.transports.Get(addr); ok {
		return rt
	}
	rt := t.factory(addr)
	if previous, ok, _ := t.transports.PeekOrAdd(addr, rt); ok {
		return previous
	}
	return rt
}

func boundTransport(local netip.Addr) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
		LocalAddr: &net.TCPAddr{IP: local.AsSlice()},
	}
	network := "tcp6"
	if local.Is4() {
		network = "tcp4"
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, _, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// rewind prepares req for another attempt, replaying its body when possible.
func rewind(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 {
		return req, nil
	}
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("routeplanner: cannot retry request with non-replayable body")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to replay request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

func isBindError(err error) bool {
	return errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.EADDRINUSE)
}

func drain(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, maxDrainBytes)
	_ = body.Close()
}
