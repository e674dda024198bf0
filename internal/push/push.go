package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// FailureClass partitions gateway failures by how the caller should react.
type FailureClass int

const (
	FailureTransport FailureClass = iota
	FailureAuth
	FailureRateLimited
	FailureInvalidToken
)

func (c FailureClass) String() string {
	switch c {
	case FailureAuth:
		return "auth"
	case FailureRateLimited:
		return "rate-limited"
	case FailureInvalidToken:
		return "invalid-token"
	default:
		return "transport"
	}
}

// SendError is a classified gateway failure.
type SendError struct {
	Class FailureClass
	Cause error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("push: send failed (%s): %v", e.Class, e.Cause)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

// Classify extracts the failure class, defaulting to transport for anything
// the gateway did not label (timeouts, connection errors).
func Classify(err error) FailureClass {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}

	return FailureTransport
}

// Gateway is the outbound boundary to the third-party push provider. The
// transport is excluded; classification of its failures is not.
type Gateway interface {
	Send(ctx context.Context, token, title, body string) error
}

// HTTPGateway posts notification payloads to an FCM-style HTTP endpoint.
type HTTPGateway struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func (g *HTTPGateway) Send(ctx context.Context, token, title, body string) error {
	payload, err := json.Marshal(map[string]any{
		"to": token,
		"notification": map[string]string{
			"title": title,
			"body":  body,
		},
	})
	if err != nil {
		return fmt.Errorf("push: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+g.Key)

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return &SendError{Class: FailureTransport, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &SendError{Class: FailureAuth, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &SendError{Class: FailureRateLimited, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &SendError{Class: FailureInvalidToken, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return &SendError{Class: FailureTransport, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
}
