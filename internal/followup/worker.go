package followup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/tablecall/internal/observe"
)

const (
	// DefaultPollInterval is how often the worker drains the queue.
	DefaultPollInterval = 5 * time.Second

	// DefaultRetryInterval is how often pending requests are re-queued.
	DefaultRetryInterval = time.Hour

	// RetryBatchSize bounds one retry sweep.
	RetryBatchSize = 50

	defaultTimeout = 10 * time.Second
)

// errPermanent marks a webhook rejection that retrying will not fix.
var errPermanent = errors.New("followup: webhook rejected request")

// WorkerOption configures a [Worker].
type WorkerOption func(*Worker)

// WithHTTPClient sets the webhook client. Default: a client with a 10s
// timeout.
func WithHTTPClient(c *http.Client) WorkerOption {
	return func(w *Worker) { w.client = c }
}

// WithAuthToken sends a bearer token with every webhook call.
func WithAuthToken(token string) WorkerOption {
	return func(w *Worker) { w.token = token }
}

// WithPollInterval sets the queue poll interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithRetryInterval sets the retry sweep interval.
func WithRetryInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.retry = d
		}
	}
}

// WithBusinessNames resolves business IDs for the message text.
func WithBusinessNames(name func(businessID string) string) WorkerOption {
	return func(w *Worker) { w.name = name }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// Worker delivers queued requests to the WhatsApp webhook.
type Worker struct {
	store   Store
	queue   Queue
	webhook string
	token   string
	client  *http.Client
	poll    time.Duration
	retry   time.Duration
	name    func(string) string
	now     func() time.Time
	metrics *observe.Metrics
}

// NewWorker returns a Worker posting to webhookURL.
func NewWorker(store Store, queue Queue, webhookURL string, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:   store,
		queue:   queue,
		webhook: webhookURL,
		client:  &http.Client{Timeout: defaultTimeout},
		poll:    DefaultPollInterval,
		retry:   DefaultRetryInterval,
		name:    func(string) string { return "our team" },
		now:     time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Run drains the queue every poll interval and sweeps pending requests
// every retry interval until ctx is cancelled. It returns nil on
// cancellation.
func (w *Worker) Run(ctx context.Context) error {
	log := observe.Logger(ctx)
	log.Info("followup worker started", "poll", w.poll, "retry", w.retry)

	poll := time.NewTicker(w.poll)
	defer poll.Stop()
	retry := time.NewTicker(w.retry)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
				log.Error("draining followups failed", "err", err)
			}
		case <-retry.C:
			if _, err := w.Retry(ctx); err != nil && ctx.Err() == nil {
				log.Error("followup retry sweep failed", "err", err)
			}
		}
	}
}

// Drain processes queued IDs until the queue is empty and returns how many
// were processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		id, err := w.queue.Pop(ctx)
		if errors.Is(err, ErrEmpty) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		if err := w.Deliver(ctx, id); err != nil {
			observe.Logger(ctx).Warn("followup delivery failed", "id", id, "err", err)
		}
	}
}

// Retry re-queues pending requests that are still deliverable and returns
// how many were queued.
func (w *Worker) Retry(ctx context.Context) (int, error) {
	pending, err := w.store.PendingFollowups(ctx, w.now().Add(-MaxAge), RetryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("followup: list pending: %w", err)
	}
	for i, r := range pending {
		if err := w.queue.Push(ctx, r.ID); err != nil {
			return i, err
		}
	}
	if len(pending) > 0 {
		observe.Logger(ctx).Info("followups re-queued", "count", len(pending))
	}
	return len(pending), nil
}

// Deliver sends one request. Requests that are no longer pending are
// skipped. Requests past [MaxAge] or for callers who opted out expire. A
// delivered request is marked sent; a webhook rejection marks it failed.
// Other errors leave it pending for the retry sweep.
func (w *Worker) Deliver(ctx context.Context, id string) error {
	log := observe.Logger(ctx).With("followup_id", id)

	r, err := w.store.Followup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		log.Warn("queued followup not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("followup: load %s: %w", id, err)
	}
	if r.Status != StatusPending {
		return nil
	}

	now := w.now()
	if r.Expired(now) {
		log.Info("followup expired", "age", now.Sub(r.CreatedAt))
		return w.mark(ctx, r.ID, StatusExpired, time.Time{})
	}
	optedOut := r.CallerHash == ""
	if !optedOut {
		if optedOut, err = w.store.WhatsAppOptedOut(ctx, r.CallerHash); err != nil {
			return fmt.Errorf("followup: preferences: %w", err)
		}
	}
	if optedOut {
		log.Info("followup expired without consent")
		return w.mark(ctx, r.ID, StatusExpired, time.Time{})
	}

	err = w.post(ctx, r)
	switch {
	case errors.Is(err, errPermanent):
		w.metrics.RecordProviderError(ctx, "whatsapp", "followup")
		log.Error("followup rejected", "err", err)
		return w.mark(ctx, r.ID, StatusFailed, time.Time{})
	case err != nil:
		w.metrics.RecordProviderError(ctx, "whatsapp", "followup")
		return err
	}
	w.metrics.RecordProviderRequest(ctx, "whatsapp", "followup", "ok")
	log.Info("followup sent", "reason", string(r.Reason))
	return w.mark(ctx, r.ID, StatusSent, w.now().UTC())
}

func (w *Worker) mark(ctx context.Context, id string, s Status, at time.Time) error {
	if err := w.store.UpdateFollowup(ctx, id, s, at); err != nil {
		return fmt.Errorf("followup: mark %s %s: %w", id, s, err)
	}
	return nil
}

type webhookPayload struct {
	CallID     string          `json:"call_id"`
	CallerHash string          `json:"caller_hash"`
	Message    string          `json:"message"`
	Metadata   webhookMetadata `json:"metadata"`
}

type webhookMetadata struct {
	FollowupID string `json:"followup_id"`
	BusinessID string `json:"business_id"`
	Reason     Reason `json:"reason"`
	Summary    string `json:"summary,omitempty"`
}

// Message is the text sent to the caller.
func Message(businessName string) string {
	return "Thanks for calling " + businessName + ". We'll get back to you shortly on WhatsApp."
}

func (w *Worker) post(ctx context.Context, r Request) error {
	body, err := json.Marshal(webhookPayload{
		CallID:     r.CallID,
		CallerHash: r.CallerHash,
		Message:    Message(w.name(r.BusinessID)),
		Metadata: webhookMetadata{
			FollowupID: r.ID,
			BusinessID: r.BusinessID,
			Reason:     r.Reason,
			Summary:    r.Summary,
		},
	})
	if err != nil {
		return fmt.Errorf("followup: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("followup: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("followup: POST webhook: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", errPermanent, resp.StatusCode, bytes.TrimSpace(msg))
	default:
		return fmt.Errorf("followup: webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}
