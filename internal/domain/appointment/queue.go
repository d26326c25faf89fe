package appointment

import (
	"sort"

	"github.com/google/uuid"
)

// QueuePolicy holds the wait estimate parameters.
type QueuePolicy struct {
	AvgConsultationMinutes int
	MaxWaitMinutes         int
}

// avgFor returns the slot's own consultation length when it has one.
func (p QueuePolicy) avgFor(slot *Slot) int {
	if slot != nil && slot.AvgConsultationMinutes != nil && *slot.AvgConsultationMinutes > 0 {
		return *slot.AvgConsultationMinutes
	}
	return p.AvgConsultationMinutes
}

// avgOf returns the consultation length for the slot an appointment was
// booked into, falling back to the default when the slot is unknown.
func (p QueuePolicy) avgOf(a *Appointment, slots map[uuid.UUID]*Slot) int {
	if a.SlotID == nil {
		return p.avgFor(nil)
	}
	return p.avgFor(slots[*a.SlotID])
}

// Wait converts a number of patients ahead into minutes, floored at 0 and
// capped at MaxWaitMinutes.
func (p QueuePolicy) Wait(ahead, avg int) int {
	w := ahead * avg
	if w < 0 {
		return 0
	}
	if p.MaxWaitMinutes > 0 && w > p.MaxWaitMinutes {
		return p.MaxWaitMinutes
	}
	return w
}

// Assignment is the result of placing a new booking in a day queue.
type Assignment struct {
	TokenNumber       int
	EstimatedWaitTime int
}

// Assign computes the next token and wait estimate from every appointment
// already booked for the doctor and date. Tokens are never reused: the next
// token follows the highest one ever issued, whatever its status.
func (p QueuePolicy) Assign(day []*Appointment, slot *Slot) (Assignment, error) {
	maxToken, ahead, slotTaken := 0, 0, 0
	for _, a := range day {
		if a.TokenNumber > maxToken {
			maxToken = a.TokenNumber
		}
		if a.Status.Active() {
			ahead++
		}
		if slot != nil && a.SlotID != nil && *a.SlotID == slot.ID &&
			(a.Status.Active() || a.Status == StatusCompleted) {
			slotTaken++
		}
	}

	if slot != nil && slot.MaxPatients > 0 && slotTaken >= slot.MaxPatients {
		return Assignment{}, ErrQueueFull
	}

	return Assignment{
		TokenNumber:       maxToken + 1,
		EstimatedWaitTime: p.Wait(ahead, p.avgFor(slot)),
	}, nil
}

// Snapshot orders the active appointments of a day by token and computes
// each one's live position and wait, using the same per-slot average the
// booking was estimated with.
func (p QueuePolicy) Snapshot(day []*Appointment, slots map[uuid.UUID]*Slot) ([]QueueEntry, int) {
	active := make([]*Appointment, 0, len(day))
	completed := 0
	for _, a := range day {
		switch {
		case a.Status.Active():
			active = append(active, a)
		case a.Status == StatusCompleted:
			completed++
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].TokenNumber < active[j].TokenNumber })

	entries := make([]QueueEntry, len(active))
	for i, a := range active {
		entries[i] = QueueEntry{
			AppointmentID:     a.ID,
			PatientID:         a.PatientID,
			TokenNumber:       a.TokenNumber,
			AppointmentTime:   a.AppointmentTime,
			Status:            a.Status,
			Position:          i + 1,
			EstimatedWaitTime: p.Wait(i, p.avgOf(a, slots)),
		}
	}
	return entries, completed
}

// PositionOf returns how many active appointments precede target.
func PositionOf(day []*Appointment, target *Appointment) int {
	if !target.Status.Active() {
		return 0
	}
	ahead := 0
	for _, a := range day {
		if a.ID != target.ID && a.Status.Active() && a.TokenNumber < target.TokenNumber {
			ahead++
		}
	}
	return ahead
}
