package reservation

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/tablecall/internal/conversation"
)

// MemoryRepository is an in-process [Repository] used by the chat harness
// and tests. Safe for concurrent use.
type MemoryRepository struct {
	mu       sync.Mutex
	bookings []Booking
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns a repository holding bookings.
func NewMemoryRepository(bookings ...Booking) *MemoryRepository {
	return &MemoryRepository{bookings: slices.Clone(bookings)}
}

// ConfirmedOn implements [Repository].
func (r *MemoryRepository) ConfirmedOn(_ context.Context, businessID string, day time.Time) ([]Booking, error) {
	day = conversation.Day(day)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Booking
	for _, b := range r.bookings {
		if b.BusinessID == businessID && b.Status == StatusConfirmed && conversation.Day(b.Date).Equal(day) {
			out = append(out, b)
		}
	}
	return out, nil
}

// Create implements [Repository].
func (r *MemoryRepository) Create(_ context.Context, b Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings = append(r.bookings, b)
	return nil
}

// All returns a copy of every stored booking.
func (r *MemoryRepository) All() []Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.bookings)
}
