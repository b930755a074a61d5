package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/internal/bus/eventbus"
	"github.com/eventfold/eventfold/internal/testutil"
)

type fakeOutboxStore struct {
	mu      sync.Mutex
	records map[int64]*Record
	nextID  int64
}

func newFakeOutboxStore() *fakeOutboxStore {
	return &fakeOutboxStore{records: make(map[int64]*Record)}
}

func (s *fakeOutboxStore) add(t *testing.T, evt event.Event) int64 {
	t.Helper()
	envelope, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return s.addRaw(envelope, evt.ID, evt.Type)
}

func (s *fakeOutboxStore) addRaw(envelope []byte, eventID, eventType string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records[s.nextID] = &Record{
		ID:          s.nextID,
		EventID:     eventID,
		EventType:   eventType,
		Envelope:    envelope,
		AvailableAt: time.Now().Add(-time.Second),
		CreatedAt:   time.Now(),
	}
	return s.nextID
}

func (s *fakeOutboxStore) ListPending(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []Record
	for id := int64(1); id <= s.nextID && len(out) < limit; id++ {
		rec, ok := s.records[id]
		if !ok || rec.Delivered || rec.AvailableAt.After(now) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *fakeOutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[id]
	now := time.Now()
	rec.Delivered = true
	rec.PublishedAt = &now
	return nil
}

func (s *fakeOutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[id]
	rec.Attempts++
	rec.LastError = lastError
	rec.AvailableAt = nextAttempt
	return nil
}

func (s *fakeOutboxStore) DeleteDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, rec := range s.records {
		if rec.Delivered && rec.CreatedAt.Before(olderThan) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *fakeOutboxStore) get(id int64) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

var _ Store = (*fakeOutboxStore)(nil)

func TestDrainPublishesAndMarksDelivered(t *testing.T) {
	store := newFakeOutboxStore()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()

	var mu sync.Mutex
	var delivered []string
	if _, err := bus.Subscribe("sink", nil, func(ctx context.Context, evt event.Event) error {
		mu.Lock()
		delivered = append(delivered, evt.ID)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evt := testutil.DepositEvent("acct-1", "5")
	id := store.add(t, evt)

	relay := NewRelay(store, bus, RelayConfig{})
	relay.Drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != evt.ID {
		t.Fatalf("delivered = %v, want [%s]", delivered, evt.ID)
	}
	if rec := store.get(id); !rec.Delivered || rec.PublishedAt == nil {
		t.Fatalf("record not marked delivered: %+v", rec)
	}
}

func TestDrainSchedulesRetryOnPublishFailure(t *testing.T) {
	store := newFakeOutboxStore()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	if _, err := bus.Subscribe("broken", nil, func(ctx context.Context, evt event.Event) error {
		return context.DeadlineExceeded
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	id := store.add(t, testutil.DepositEvent("acct-1", "5"))
	relay := NewRelay(store, bus, RelayConfig{RetryInitial: 2 * time.Second, RetryMax: time.Minute})

	before := time.Now()
	relay.Drain(context.Background())

	rec := store.get(id)
	if rec.Delivered {
		t.Fatal("record should not be delivered")
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}
	if rec.LastError == "" {
		t.Fatal("expected last error recorded")
	}
	if rec.AvailableAt.Before(before.Add(time.Second)) {
		t.Fatalf("retry not pushed out: %v", rec.AvailableAt)
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	relay := NewRelay(newFakeOutboxStore(), eventbus.NewMemoryBus(eventbus.MemoryConfig{}),
		RelayConfig{RetryInitial: time.Second, RetryMax: 10 * time.Second})

	if d := relay.retryDelay(0); d != time.Second {
		t.Fatalf("first delay = %v", d)
	}
	if d := relay.retryDelay(2); d != 4*time.Second {
		t.Fatalf("third delay = %v", d)
	}
	if d := relay.retryDelay(10); d != 10*time.Second {
		t.Fatalf("delay did not cap: %v", d)
	}
}

func TestDrainParksUndecodableEnvelope(t *testing.T) {
	store := newFakeOutboxStore()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()

	id := store.addRaw([]byte("{not json"), "evt-bad", "account.deposited")
	relay := NewRelay(store, bus, RelayConfig{})
	relay.Drain(context.Background())

	rec := store.get(id)
	if rec.Delivered {
		t.Fatal("undecodable record must not be marked delivered")
	}
	if rec.Attempts != 1 || rec.LastError == "" {
		t.Fatalf("expected failed attempt recorded: %+v", rec)
	}
}

func TestDeleteDeliveredPrunesOldRows(t *testing.T) {
	store := newFakeOutboxStore()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()

	id := store.add(t, testutil.DepositEvent("acct-1", "5"))
	relay := NewRelay(store, bus, RelayConfig{})
	relay.Drain(context.Background())

	removed, err := store.DeleteDelivered(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("delete delivered: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	store.mu.Lock()
	_, still := store.records[id]
	store.mu.Unlock()
	if still {
		t.Fatal("delivered record should be gone")
	}
}
