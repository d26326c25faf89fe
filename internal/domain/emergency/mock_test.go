package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carequeue/carequeue/internal/platform/websocket"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	calls map[uuid.UUID]*Call
}

func newMockRepo() *mockRepo {
	return &mockRepo{calls: make(map[uuid.UUID]*Call)}
}

func clone(c *Call) *Call {
	cp := *c
	cp.ChatHistory = append([]ChatMessage{}, c.ChatHistory...)
	cp.OfferedTo = append([]uuid.UUID{}, c.OfferedTo...)
	return &cp
}

func (m *mockRepo) Create(_ context.Context, c *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.calls {
		if existing.PatientID == c.PatientID && !existing.Status.Terminal() {
			return errInvalidState(existing.Status, "open another call beside")
		}
	}
	c.ID = uuid.New()
	c.UpdatedAt = c.CreatedAt
	c.ChatHistory = []ChatMessage{}
	m.calls[c.ID] = clone(c)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *mockRepo) Claim(_ context.Context, id, doctorID uuid.UUID, at time.Time) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != StatusPending || c.DoctorID != nil {
		return nil, claimMiss(c)
	}
	c.DoctorID = &doctorID
	c.Status = StatusConnecting
	c.AcceptedAt = &at
	return clone(c), nil
}

func (m *mockRepo) Transition(_ context.Context, id uuid.UUID, from []Status, upd Update) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if c.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, errInvalidState(c.Status, "move to "+string(upd.To))
	}
	c.Status = upd.To
	if upd.CallStartTime != nil {
		c.CallStartTime = upd.CallStartTime
	}
	if upd.CallDuration != nil {
		c.CallDuration = upd.CallDuration
	}
	if upd.EndedAt != nil {
		c.EndedAt = upd.EndedAt
	}
	if upd.EndedBy != nil {
		c.EndedBy = upd.EndedBy
	}
	if upd.DoctorNotes != nil {
		c.DoctorNotes = upd.DoctorNotes
	}
	if upd.FirstAidInstructions != nil {
		c.FirstAidInstructions = upd.FirstAidInstructions
	}
	return clone(c), nil
}

func (m *mockRepo) AppendChat(_ context.Context, id uuid.UUID, msg ChatMessage) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.Status.Bound() {
		return nil, errInvalidState(c.Status, "chat on")
	}
	c.ChatHistory = append(c.ChatHistory, msg)
	return clone(c), nil
}

func (m *mockRepo) ListPending(_ context.Context, limit int) ([]*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Call
	for _, c := range m.calls {
		if c.Status == StatusPending {
			out = append(out, clone(c))
		}
	}
	rank := map[Urgency]int{UrgencyCritical: 0, UrgencyHigh: 1, UrgencyMedium: 2}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].UrgencyLevel] != rank[out[j].UrgencyLevel] {
			return rank[out[i].UrgencyLevel] < rank[out[j].UrgencyLevel]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) MarkUnanswered(_ context.Context, cutoff, at time.Time) ([]*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Call
	for _, c := range m.calls {
		if c.Status == StatusPending && c.CreatedAt.Before(cutoff) && c.UnansweredNotifiedAt == nil {
			stamped := at
			c.UnansweredNotifiedAt = &stamped
			out = append(out, clone(c))
		}
	}
	return out, nil
}

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []websocket.Event
	err    error
}

func (b *recordingBus) Publish(_ context.Context, ev websocket.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) named(name string) []websocket.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []websocket.Event
	for _, ev := range b.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (b *recordingBus) inRoom(room string) []websocket.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []websocket.Event
	for _, ev := range b.events {
		if ev.Room == room {
			out = append(out, ev)
		}
	}
	return out
}

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

// failingAvailability simulates an unreachable availability store.
type failingAvailability struct{}

func (failingAvailability) Set(context.Context, uuid.UUID, bool) error { return errors.New("down") }
func (failingAvailability) IsAvailable(context.Context, uuid.UUID) (bool, error) {
	return false, errors.New("down")
}
func (failingAvailability) Available(context.Context) ([]uuid.UUID, error) {
	return nil, errors.New("down")
}

func decode[T any](ev websocket.Event) T {
	var v T
	_ = json.Unmarshal(ev.Data, &v)
	return v
}
