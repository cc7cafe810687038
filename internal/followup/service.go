package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tablecall/internal/observe"
)

// ErrNotFound is returned by a [Store] for unknown request IDs.
var ErrNotFound = errors.New("followup: not found")

// Store persists requests and the callers' messaging preferences.
type Store interface {
	SaveFollowup(ctx context.Context, r Request) error
	Followup(ctx context.Context, id string) (Request, error)
	UpdateFollowup(ctx context.Context, id string, status Status, sentAt time.Time) error

	// PendingFollowups returns up to limit pending requests created after
	// since, oldest first.
	PendingFollowups(ctx context.Context, since time.Time, limit int) ([]Request, error)

	// WhatsAppOptedOut reports whether the caller asked not to be messaged.
	WhatsAppOptedOut(ctx context.Context, callerHash string) (bool, error)
}

// Service files callback requests.
type Service struct {
	store Store
	queue Queue
	now   func() time.Time
}

// NewService returns a Service storing into store and queueing on queue.
// A nil queue leaves requests for the [Worker]'s retry sweep.
func NewService(store Store, queue Queue) *Service {
	return &Service{store: store, queue: queue, now: time.Now}
}

// Request stores r as pending and queues it for delivery. A missing ID or
// creation time is filled in. Once the request is stored a queueing failure
// is only logged; the retry sweep picks it up.
func (s *Service) Request(ctx context.Context, r Request) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	r.Status = StatusPending
	r.SentAt = time.Time{}

	if err := s.store.SaveFollowup(ctx, r); err != nil {
		return fmt.Errorf("followup: save %s: %w", r.ID, err)
	}
	if s.queue == nil {
		return nil
	}
	if err := s.queue.Push(ctx, r.ID); err != nil {
		observe.Logger(ctx).Warn("followup queued for retry sweep", "id", r.ID, "err", err)
	}
	return nil
}
