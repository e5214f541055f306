// Package downstream models the delivery target. The worker only ever
// learns two things from a delivery: it worked, or it transiently failed.
// Timeouts, connection errors, non-200 statuses and open circuits all
// collapse into the transient case and are retried by the state machine.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Deliverer forwards one event to the downstream API. A nil return means
// the downstream acknowledged with HTTP 200; any error is a transient
// failure whose message becomes the recorded reason.
type Deliverer interface {
	Deliver(ctx context.Context, eventID string) error
}

// HTTPDeliverer posts {"event_id": ...} to a configured URL with a hard
// wall-clock timeout and a circuit breaker in front of the dial.
type HTTPDeliverer struct {
	url     string
	client  *http.Client
	breaker *CircuitBreaker
	timeout time.Duration
}

func NewHTTPDeliverer(url string, timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: NewCircuitBreaker(5, 10*time.Second),
		timeout: timeout,
	}
}

type deliveryRequest struct {
	EventID string `json:"event_id"`
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, eventID string) error {
	if !d.breaker.Allow() {
		return fmt.Errorf("downstream circuit open")
	}

	body, err := json.Marshal(deliveryRequest{EventID: eventID})
	if err != nil {
		return fmt.Errorf("encode delivery request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.breaker.Failure()
		return fmt.Errorf("downstream call failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	// Success is exactly HTTP 200, regardless of body contents.
	if resp.StatusCode != http.StatusOK {
		d.breaker.Failure()
		return fmt.Errorf("downstream returned %d", resp.StatusCode)
	}
	d.breaker.Success()
	return nil
}
