package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts a new appointment. It returns ErrTokenConflict when
	// the token is already taken for the doctor and date.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListByDoctorDate returns every appointment of the day, any status.
	// Only the calendar date of date is used.
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	// UpdateStatus applies upd only if the row is still in status from.
	// It returns ErrIllegalTransition when the row has moved on.
	UpdateStatus(ctx context.Context, id uuid.UUID, from Status, upd StatusUpdate) (*Appointment, error)
	// MarkMissedBefore moves every confirmed appointment scheduled before
	// cutoff to missed and returns the rows it changed.
	MarkMissedBefore(ctx context.Context, cutoff time.Time) ([]*Appointment, error)
}

type SlotRepository interface {
	// SlotFor returns the active slot covering hhmm on weekday, or
	// ErrSlotUnavailable.
	SlotFor(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday, hhmm string) (*Slot, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Slot, error)
	Create(ctx context.Context, s *Slot) error
	// DoctorHospital returns the hospital a doctor belongs to.
	DoctorHospital(ctx context.Context, doctorID uuid.UUID) (uuid.UUID, error)
}
