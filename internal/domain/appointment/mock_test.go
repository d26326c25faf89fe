package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carequeue/carequeue/internal/platform/websocket"
)

// -- Mock Repositories --

type mockRepo struct {
	mu        sync.Mutex
	appts     map[uuid.UUID]*Appointment
	conflicts int // number of Create calls to fail with ErrTokenConflict
}

func newMockRepo() *mockRepo {
	return &mockRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func clone(a *Appointment) *Appointment {
	cp := *a
	return &cp
}

func (m *mockRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return ErrTokenConflict
	}
	for _, e := range m.appts {
		if e.DoctorID == a.DoctorID && e.AppointmentDate.Format(dateLayout) == a.AppointmentDate.Format(dateLayout) &&
			e.TokenNumber == a.TokenNumber {
			return fmt.Errorf("%w: token %d", ErrTokenConflict, a.TokenNumber)
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.appts[a.ID] = clone(a)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (m *mockRepo) ListByDoctorDate(_ context.Context, doctorID uuid.UUID, date time.Time) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.AppointmentDate.Format(dateLayout) == date.Format(dateLayout) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenNumber < out[j].TokenNumber })
	return out, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.PatientID == patientID {
			out = append(out, clone(a))
		}
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, id uuid.UUID, from Status, upd StatusUpdate) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != from {
		return nil, fmt.Errorf("%w: appointment is no longer %s", ErrIllegalTransition, from)
	}
	a.Status = upd.To
	if upd.StartedAt != nil {
		a.ConsultationStartedAt = upd.StartedAt
	}
	if upd.EndedAt != nil {
		a.ConsultationEndedAt = upd.EndedAt
	}
	if upd.Diagnosis != nil {
		a.Diagnosis = upd.Diagnosis
	}
	if upd.Prescription != nil {
		a.Prescription = upd.Prescription
	}
	if upd.DoctorNotes != nil {
		a.DoctorNotes = upd.DoctorNotes
	}
	if upd.CancelledBy != nil {
		a.CancelledBy = upd.CancelledBy
	}
	if upd.CancelReason != nil {
		a.CancelReason = upd.CancelReason
	}
	return clone(a), nil
}

func (m *mockRepo) MarkMissedBefore(_ context.Context, cutoff time.Time) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.Status == StatusConfirmed && a.ScheduledAt.Before(cutoff) {
			a.Status = StatusMissed
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (m *mockRepo) put(a *Appointment) *Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.appts[a.ID] = clone(a)
	return a
}

type mockSlotRepo struct {
	slots     []*Slot
	hospitals map[uuid.UUID]uuid.UUID
}

func (m *mockSlotRepo) SlotFor(_ context.Context, doctorID uuid.UUID, weekday time.Weekday, hhmm string) (*Slot, error) {
	for _, s := range m.slots {
		if s.DoctorID == doctorID && s.DayOfWeek == weekday && s.Covers(hhmm) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrSlotUnavailable, weekday, hhmm)
}

func (m *mockSlotRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID) ([]*Slot, error) {
	var out []*Slot
	for _, s := range m.slots {
		if s.DoctorID == doctorID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSlotRepo) Create(_ context.Context, s *Slot) error {
	s.ID = uuid.New()
	m.slots = append(m.slots, s)
	return nil
}

func (m *mockSlotRepo) DoctorHospital(_ context.Context, doctorID uuid.UUID) (uuid.UUID, error) {
	h, ok := m.hospitals[doctorID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return h, nil
}

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (b *recordingBus) Publish(_ context.Context, ev websocket.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
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

func decodeStatus(ev websocket.Event) statusEvent {
	var p statusEvent
	_ = json.Unmarshal(ev.Data, &p)
	return p
}
