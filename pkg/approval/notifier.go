package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// EventType names a request lifecycle event.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventApproved  EventType = "approved"
	EventDenied    EventType = "denied"
	EventExpired   EventType = "expired"
)

func eventFor(s State) EventType {
	switch s {
	case StateApproved:
		return EventApproved
	case StateDenied:
		return EventDenied
	case StateExpired:
		return EventExpired
	default:
		return EventSubmitted
	}
}

// Notification is delivered to approvers and integrations.
type Notification struct {
	Event   EventType `json:"event"`
	Request *Request  `json:"request"`
	At      time.Time `json:"at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.Default().With("component", "approval.notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	r := note.Request
	n.logger.Info("approval "+string(note.Event),
		"approval_id", r.ID,
		"principal", r.Namespace+"/"+r.Principal,
		"secret", r.Secret,
		"key", r.Key,
		"group", r.GroupID,
		"approvers", r.Approvers,
		"deadline", r.Deadline,
		"decided_by", r.DecidedBy,
	)
	return nil
}

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	// URL receives a JSON POST per notification.
	URL string

	// Headers are added to every request, e.g. an authorization token.
	Headers map[string]string

	// Timeout bounds a single delivery attempt.
	// Default: 10 seconds
	Timeout time.Duration

	// MaxAttempts bounds delivery attempts.
	// Default: 3
	MaxAttempts int

	// InitialInterval is the first retry delay; later delays grow
	// exponentially.
	// Default: 500 milliseconds
	InitialInterval time.Duration
}

// WebhookNotifier POSTs notifications as JSON, retrying transient failures
// with exponential backoff. 4xx responses other than 429 are not retried.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL: %q", cfg.URL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default().With("component", "approval.webhook"),
	}, nil
}

// statusError is a non-2xx webhook response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.code)
}

func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := n.send(ctx, payload)
		var se *statusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(n.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			n.logger.Warn("webhook delivery failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	return nil
}

func (n *WebhookNotifier) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// MultiNotifier fans a notification out to every notifier and joins their
// errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
