package followup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu       sync.Mutex
	reqs     map[string]Request
	optedOut map[string]bool
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{reqs: make(map[string]Request), optedOut: make(map[string]bool)}
}

func (s *memStore) SaveFollowup(_ context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.reqs[r.ID] = r
	return nil
}

func (s *memStore) Followup(_ context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (s *memStore) UpdateFollowup(_ context.Context, id string, status Status, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status, r.SentAt = status, sentAt
	s.reqs[id] = r
	return nil
}

func (s *memStore) PendingFollowups(_ context.Context, since time.Time, limit int) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.reqs {
		if r.Status == StatusPending && r.CreatedAt.After(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) WhatsAppOptedOut(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optedOut[hash], nil
}

func (s *memStore) status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[id].Status
}

func newQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, ""), mr
}

// webhook records posted payloads and answers with status.
type webhook struct {
	mu       sync.Mutex
	status   int
	payloads []webhookPayload
	auth     []string
}

func (h *webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.payloads = append(h.payloads, p)
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	status := h.status
	h.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (h *webhook) posted() []webhookPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]webhookPayload(nil), h.payloads...)
}

func pending(id, hash string, created time.Time) Request {
	return Request{
		ID:         id,
		BusinessID: "spice-garden",
		CallID:     "call-" + id,
		CallerHash: hash,
		Reason:     ReasonCallbackRequest,
		Summary:    "Operator transfer requested.",
		Status:     StatusPending,
		CreatedAt:  created,
	}
}

func TestRedisQueue_FIFO(t *testing.T) {
	t.Parallel()

	q, mr := newQueue(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := q.Len(ctx); err != nil || n != 3 {
		t.Fatalf("Len = %d, %v", n, err)
	}
	if !mr.Exists(DefaultQueueKey) {
		t.Errorf("list %q not created", DefaultQueueKey)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		if err != nil || got != want {
			t.Fatalf("Pop = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := q.Pop(ctx); !errors.Is(err, ErrEmpty) {
		t.Errorf("Pop on empty = %v, want ErrEmpty", err)
	}
	if err := q.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestRedisQueue_ConnectionError(t *testing.T) {
	t.Parallel()

	q, mr := newQueue(t)
	mr.Close()
	if err := q.Push(context.Background(), "a"); err == nil {
		t.Error("Push succeeded without a server")
	}
	if _, err := q.Pop(context.Background()); err == nil || errors.Is(err, ErrEmpty) {
		t.Errorf("Pop = %v, want connection error", err)
	}
}

func TestService_Request(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	q, _ := newQueue(t)
	svc := NewService(store, q)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	err := svc.Request(ctx, Request{BusinessID: "spice-garden", CallID: "call-1", Reason: ReasonConfirmationCap, Status: StatusSent})
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	r, err := store.Followup(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusPending || !r.CreatedAt.Equal(now) || r.CallID != "call-1" {
		t.Errorf("stored = %+v", r)
	}

	store.saveErr = errors.New("db down")
	if err := svc.Request(ctx, Request{BusinessID: "spice-garden"}); err == nil {
		t.Error("save failure not reported")
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("unsaved request queued")
	}
}

func TestWorker_Deliver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		req        Request
		optedOut   bool
		status     int
		wantStatus Status
		wantPosts  int
		wantErr    bool
	}{
		{name: "sent", req: pending("1", "hash", now.Add(-time.Hour)), wantStatus: StatusSent, wantPosts: 1},
		{name: "too old", req: pending("2", "hash", now.Add(-49*time.Hour)), wantStatus: StatusExpired},
		{name: "opted out", req: pending("3", "hash", now), optedOut: true, wantStatus: StatusExpired},
		{name: "anonymous caller", req: pending("4", "", now), wantStatus: StatusExpired},
		{name: "rejected", req: pending("5", "hash", now), status: http.StatusBadRequest, wantStatus: StatusFailed, wantPosts: 1},
		{name: "gateway down", req: pending("6", "hash", now), status: http.StatusBadGateway, wantStatus: StatusPending, wantPosts: 1, wantErr: true},
		{name: "already sent", req: func() Request { r := pending("7", "hash", now); r.Status = StatusSent; return r }(), wantStatus: StatusSent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			hook := &webhook{status: tt.status}
			srv := httptest.NewServer(hook)
			t.Cleanup(srv.Close)

			store := newMemStore()
			store.reqs[tt.req.ID] = tt.req
			store.optedOut["hash"] = tt.optedOut
			q, _ := newQueue(t)
			w := NewWorker(store, q, srv.URL, WithClock(func() time.Time { return now }), WithAuthToken("secret"),
				WithBusinessNames(func(string) string { return "Spice Garden" }))

			err := w.Deliver(context.Background(), tt.req.ID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Deliver err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := store.status(tt.req.ID); got != tt.wantStatus {
				t.Errorf("status = %s, want %s", got, tt.wantStatus)
			}
			posts := hook.posted()
			if len(posts) != tt.wantPosts {
				t.Fatalf("posts = %d, want %d", len(posts), tt.wantPosts)
			}
			if len(posts) > 0 {
				p := posts[0]
				if p.CallID != tt.req.CallID || p.Metadata.FollowupID != tt.req.ID || p.Message != Message("Spice Garden") {
					t.Errorf("payload = %+v", p)
				}
				if hook.auth[0] != "Bearer secret" {
					t.Errorf("Authorization = %q", hook.auth[0])
				}
			}
		})
	}
}

func TestWorker_DrainAndRetry(t *testing.T) {
	t.Parallel()

	hook := &webhook{}
	srv := httptest.NewServer(hook)
	t.Cleanup(srv.Close)

	store := newMemStore()
	q, _ := newQueue(t)
	svc := NewService(store, q)
	svc.now = func() time.Time { return now }
	w := NewWorker(store, q, srv.URL, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for range 3 {
		if err := svc.Request(ctx, Request{BusinessID: "spice-garden", CallerHash: "hash", Reason: ReasonCallbackRequest}); err != nil {
			t.Fatal(err)
		}
	}
	// A request stored while Redis was unavailable.
	store.reqs["lost"] = pending("lost", "hash", now.Add(-time.Hour))

	n, err := w.Drain(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Drain = %d, %v; want 3", n, err)
	}
	if n, err := w.Retry(ctx); err != nil || n != 1 {
		t.Fatalf("Retry = %d, %v; want 1", n, err)
	}
	if n, err := w.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("second Drain = %d, %v; want 1", n, err)
	}
	if len(hook.posted()) != 4 {
		t.Errorf("posts = %d, want 4", len(hook.posted()))
	}
	if store.status("lost") != StatusSent {
		t.Errorf("swept request status = %s", store.status("lost"))
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	q, _ := newQueue(t)
	w := NewWorker(store, q, "http://127.0.0.1:0", WithPollInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRequest_Expired(t *testing.T) {
	t.Parallel()

	r := Request{CreatedAt: now}
	if r.Expired(now.Add(MaxAge)) {
		t.Error("expired exactly at MaxAge")
	}
	if !r.Expired(now.Add(MaxAge + time.Second)) {
		t.Error("not expired past MaxAge")
	}
}
