package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/nhle/classroom-messaging/internal/model"
)

// ErrTokenGone is returned for a device token the push relay no longer
// accepts. Such tokens should be forgotten.
var ErrTokenGone = errors.New("push token no longer registered")

// Pusher delivers a payload to a user's device tokens.
type Pusher interface {
	// Push sends payload to every token and returns the tokens the relay
	// rejected as gone. err joins the remaining delivery failures.
	Push(ctx context.Context, tokens []string, payload model.PushPayload) (gone []string, err error)
}

// pushRequest is the relay's wire format for one device.
type pushRequest struct {
	Token        string            `json:"token"`
	Notification model.PushPayload `json:"notification"`
}

// PushClient is a thin HTTP client for the platform push relay. It
// authenticates with a bearer server key and retries with exponential
// backoff on HTTP 429.
type PushClient struct {
	endpoint    string
	serverKey   string
	httpClient  *http.Client
	maxRetries  int
	concurrency int
	maxBackoff  time.Duration
}

// NewPushClient creates a client for the relay at endpoint.
func NewPushClient(endpoint, serverKey string) *PushClient {
	return &PushClient{
		endpoint:  strings.TrimRight(endpoint, "/"),
		serverKey: serverKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries:  3,
		concurrency: 8,
		maxBackoff:  30 * time.Second,
	}
}

// Push sends payload to all tokens concurrently.
func (c *PushClient) Push(
	ctx context.Context,
	tokens []string,
	payload model.PushPayload,
) ([]string, error) {
	var (
		mu   sync.Mutex
		gone []string
	)

	p := pool.New().WithMaxGoroutines(c.concurrency).WithContext(ctx)
	for _, token := range tokens {
		p.Go(func(ctx context.Context) error {
			err := c.send(ctx, token, payload)
			if errors.Is(err, ErrTokenGone) {
				mu.Lock()
				gone = append(gone, token)
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	err := p.Wait()

	return gone, err
}

// send posts one notification, retrying while the relay rate-limits.
func (c *PushClient) send(ctx context.Context, token string, payload model.PushPayload) error {
	data, err := json.Marshal(pushRequest{Token: token, Notification: payload})
	if err != nil {
		return fmt.Errorf("marshaling push request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("creating push request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.serverKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing push request: %w", err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading push response: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited (429) by push relay")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryAfter(resp, attempt)):
				continue
			}
		case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
			return ErrTokenGone
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("push relay rejected the server key (401)")
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("unexpected status %d from push relay: %s",
				resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

// retryAfter reads the Retry-After header, falling back to exponential
// backoff capped at maxBackoff.
func (c *PushClient) retryAfter(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}
