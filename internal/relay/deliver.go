package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tandem/server/internal/metrics"
)

// SecretHeader authenticates the relay to the persistence endpoint.
const SecretHeader = "x-shared-secret"

// maxBody caps how much of an error response is kept for dead letters.
const maxBody = 4 << 10

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// Delivered means the endpoint accepted the event (2xx).
	Delivered Outcome = iota
	// Permanent means the endpoint rejected the event (4xx); retrying is
	// pointless.
	Permanent
	// Transient covers 5xx, timeouts and network errors.
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Result describes a delivery attempt.
type Result struct {
	Outcome Outcome
	Status  int
	Body    string
	Err     error
}

// Deliverer sends one serialized finalize event.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) Result
}

// HTTPDeliverer POSTs events to the persistence endpoint.
type HTTPDeliverer struct {
	endpoint string
	secret   string
	timeout  time.Duration
	client   *http.Client
}

func NewHTTPDeliverer(endpoint, secret string, timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{
		endpoint: endpoint,
		secret:   secret,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

// Deliver makes one attempt bounded by the configured timeout.
func (d *HTTPDeliverer) Deliver(ctx context.Context, payload []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.RelayDeliveryLatency.Observe(time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{Outcome: Transient, Err: fmt.Errorf("relay: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, d.secret)

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Outcome: Transient, Err: fmt.Errorf("relay: post: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	res := Result{Status: resp.StatusCode, Body: string(body)}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Outcome = Delivered
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		res.Outcome = Permanent
	default:
		res.Outcome = Transient
		res.Err = fmt.Errorf("relay: endpoint returned %d", resp.StatusCode)
	}
	return res
}
