// Package appointment books doctor appointments into daily token queues and
// drives each appointment through its lifecycle.
package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
	"github.com/carequeue/carequeue/internal/platform/clock"
	"github.com/carequeue/carequeue/internal/platform/lock"
	"github.com/carequeue/carequeue/internal/platform/websocket"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"

	maxBookAttempts = 3
)

type Config struct {
	Policy      QueuePolicy
	MissedGrace time.Duration
	Location    *time.Location
}

type Service struct {
	repo   Repository
	slots  SlotRepository
	locker lock.Locker
	bus    websocket.EventPublisher
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger
}

func NewService(repo Repository, slots SlotRepository, locker lock.Locker, bus websocket.EventPublisher, clk clock.Clock, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		repo:   repo,
		slots:  slots,
		locker: locker,
		bus:    bus,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

// ParseDate parses a YYYY-MM-DD date in the clinic timezone.
func (s *Service) ParseDate(raw string) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, raw, s.cfg.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}
	return d, nil
}

// Today is the current date in the clinic timezone.
func (s *Service) Today() time.Time {
	return clock.Date(s.clock.Now(), s.cfg.Location)
}

func queueKey(doctorID uuid.UUID, date time.Time) string {
	return "queue:" + doctorID.String() + ":" + date.Format(dateLayout)
}

// Book places a patient in the doctor's queue for date at the HH:MM slot
// label. Assignment runs under a lock scoped to the doctor and date so
// concurrent bookings receive distinct consecutive tokens.
func (s *Service) Book(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, date time.Time, hhmm string) (*Appointment, error) {
	if !actor.IsPatient() {
		return nil, fmt.Errorf("%w: only patients can book", ErrNotOwner)
	}
	if doctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: doctorId is required", ErrInvalidInput)
	}
	if _, err := time.Parse(timeLayout, hhmm); err != nil {
		return nil, fmt.Errorf("%w: time must be HH:MM", ErrInvalidInput)
	}

	date = clock.Date(date, s.cfg.Location)
	if date.Before(clock.Date(s.clock.Now(), s.cfg.Location)) {
		return nil, ErrDateInPast
	}

	slot, err := s.slots.SlotFor(ctx, doctorID, date.Weekday(), hhmm)
	if err != nil {
		return nil, err
	}

	var appt *Appointment
	for attempt := 1; attempt <= maxBookAttempts; attempt++ {
		err = s.locker.WithLock(ctx, queueKey(doctorID, date), func(ctx context.Context) error {
			day, err := s.repo.ListByDoctorDate(ctx, doctorID, date)
			if err != nil {
				return fmt.Errorf("load queue: %w", err)
			}
			asg, err := s.cfg.Policy.Assign(day, slot)
			if err != nil {
				return err
			}

			scheduled, _ := time.ParseInLocation(dateLayout+" "+timeLayout, date.Format(dateLayout)+" "+hhmm, s.cfg.Location)
			slotID := slot.ID
			appt = &Appointment{
				PatientID:         actor.ID,
				DoctorID:          doctorID,
				HospitalID:        slot.HospitalID,
				SlotID:            &slotID,
				AppointmentDate:   date,
				AppointmentTime:   hhmm,
				ScheduledAt:       scheduled.UTC(),
				TokenNumber:       asg.TokenNumber,
				EstimatedWaitTime: asg.EstimatedWaitTime,
				Status:            StatusConfirmed,
			}
			return s.repo.Create(ctx, appt)
		})
		if !errors.Is(err, ErrTokenConflict) {
			break
		}
		s.logger.Warn().
			Str("doctor_id", doctorID.String()).
			Int("attempt", attempt).
			Msg("token conflict, retrying booking")
	}
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("booking queue busy: %w", err)
		}
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("doctor_id", doctorID.String()).
		Int("token", appt.TokenNumber).
		Int("wait_minutes", appt.EstimatedWaitTime).
		Msg("appointment booked")

	s.publish(ctx, "appointment-booked", appt)
	return appt, nil
}

// Get returns an appointment visible to actor.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, a) {
		return nil, ErrNotOwner
	}
	return a, nil
}

func canView(actor auth.Actor, a *Appointment) bool {
	switch {
	case actor.IsPatient():
		return a.PatientID == actor.ID
	case actor.IsDoctor():
		return a.DoctorID == actor.ID
	case actor.IsAdmin():
		return actor.AdminOf(a.HospitalID)
	}
	return false
}

func (s *Service) ListForPatient(ctx context.Context, actor auth.Actor, limit, offset int) ([]*Appointment, int, error) {
	if !actor.IsPatient() {
		return nil, 0, ErrNotOwner
	}
	return s.repo.ListByPatient(ctx, actor.ID, limit, offset)
}

// Start moves confirmed -> in_progress. Only the assigned doctor may start.
func (s *Service) Start(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsDoctor() || a.DoctorID != actor.ID {
		return nil, ErrNotOwner
	}
	now := s.clock.Now().UTC()
	return s.transition(ctx, a, StatusUpdate{To: StatusInProgress, StartedAt: &now})
}

// Complete moves in_progress -> completed and records optional notes.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id uuid.UUID, notes CompletionNotes) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsDoctor() || a.DoctorID != actor.ID {
		return nil, ErrNotOwner
	}
	if a.Status == StatusInProgress && a.ConsultationStartedAt == nil {
		return nil, fmt.Errorf("%w: consultation was never started", ErrIllegalTransition)
	}
	now := s.clock.Now().UTC()
	return s.transition(ctx, a, StatusUpdate{
		To:           StatusCompleted,
		EndedAt:      &now,
		Diagnosis:    notes.Diagnosis,
		Prescription: notes.Prescription,
		DoctorNotes:  notes.DoctorNotes,
	})
}

// Cancel moves an appointment to cancelled. Patients may cancel their own
// confirmed appointments; the assigned doctor and the hospital's admins may
// also cancel one that is in progress.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case actor.IsPatient() && a.PatientID == actor.ID:
		if a.Status != StatusConfirmed {
			return nil, fmt.Errorf("%w: patients may only cancel confirmed appointments", ErrIllegalTransition)
		}
	case actor.IsDoctor() && a.DoctorID == actor.ID:
	case actor.AdminOf(a.HospitalID):
	default:
		return nil, ErrNotOwner
	}

	by := actor.ID
	upd := StatusUpdate{To: StatusCancelled, CancelledBy: &by}
	if reason != "" {
		upd.CancelReason = &reason
	}
	return s.transition(ctx, a, upd)
}

func (s *Service) transition(ctx context.Context, a *Appointment, upd StatusUpdate) (*Appointment, error) {
	if !CanTransition(a.Status, upd.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.Status, upd.To)
	}
	updated, err := s.repo.UpdateStatus(ctx, a.ID, a.Status, upd)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("from", string(a.Status)).
		Str("to", string(upd.To)).
		Msg("appointment transitioned")
	s.publish(ctx, "appointment-status-changed", updated)
	return updated, nil
}

// SweepMissed marks confirmed appointments whose scheduled time is more than
// the grace window in the past as missed. Each appointment is marked and
// announced once no matter how often the sweep runs.
func (s *Service) SweepMissed(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.MissedGrace)
	missed, err := s.repo.MarkMissedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark missed: %w", err)
	}
	for _, a := range missed {
		s.publish(ctx, "appointment-status-changed", a)
	}
	if len(missed) > 0 {
		s.logger.Info().Int("count", len(missed)).Time("cutoff", cutoff).Msg("appointments marked missed")
	}
	return len(missed), nil
}

// Queue returns the doctor's live queue for date. Visible to the doctor and
// the admins of the doctor's hospital.
func (s *Service) Queue(ctx context.Context, actor auth.Actor, doctorID uuid.UUID, date time.Time) (*QueueSnapshot, error) {
	switch {
	case actor.IsDoctor() && actor.ID == doctorID:
	case actor.IsAdmin():
		hospitalID, err := s.slots.DoctorHospital(ctx, doctorID)
		if err != nil {
			return nil, err
		}
		if !actor.AdminOf(hospitalID) {
			return nil, ErrNotOwner
		}
	default:
		return nil, ErrNotOwner
	}

	date = clock.Date(date, s.cfg.Location)
	day, err := s.repo.ListByDoctorDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	slots, err := s.slotsByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	entries, completed := s.cfg.Policy.Snapshot(day, slots)
	return &QueueSnapshot{
		DoctorID:   doctorID,
		Date:       date.Format(dateLayout),
		Entries:    entries,
		Completed:  completed,
		ComputedAt: s.clock.Now().UTC(),
	}, nil
}

// Position returns the live place of an appointment in its day queue.
func (s *Service) Position(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Position, error) {
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	day, err := s.repo.ListByDoctorDate(ctx, a.DoctorID, a.AppointmentDate)
	if err != nil {
		return nil, err
	}
	slots, err := s.slotsByID(ctx, a.DoctorID)
	if err != nil {
		return nil, err
	}
	ahead := PositionOf(day, a)
	return &Position{
		AppointmentID:     a.ID,
		TokenNumber:       a.TokenNumber,
		Status:            a.Status,
		Ahead:             ahead,
		EstimatedWaitTime: s.cfg.Policy.Wait(ahead, s.cfg.Policy.avgOf(a, slots)),
	}, nil
}

func (s *Service) slotsByID(ctx context.Context, doctorID uuid.UUID) (map[uuid.UUID]*Slot, error) {
	list, err := s.slots.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	byID := make(map[uuid.UUID]*Slot, len(list))
	for _, sl := range list {
		byID[sl.ID] = sl
	}
	return byID, nil
}

type statusEvent struct {
	AppointmentID     uuid.UUID `json:"appointmentId"`
	DoctorID          uuid.UUID `json:"doctorId"`
	HospitalID        uuid.UUID `json:"hospitalId"`
	PatientID         uuid.UUID `json:"patientId"`
	NewStatus         Status    `json:"newStatus"`
	TokenNumber       int       `json:"tokenNumber"`
	EstimatedWaitTime int       `json:"estimatedWaitTime"`
	AppointmentDate   string    `json:"appointmentDate"`
}

// publish fans the event out to the doctor, hospital and patient rooms.
// Delivery is best effort; failures are logged.
func (s *Service) publish(ctx context.Context, name string, a *Appointment) {
	payload := statusEvent{
		AppointmentID:     a.ID,
		DoctorID:          a.DoctorID,
		HospitalID:        a.HospitalID,
		PatientID:         a.PatientID,
		NewStatus:         a.Status,
		TokenNumber:       a.TokenNumber,
		EstimatedWaitTime: a.EstimatedWaitTime,
		AppointmentDate:   a.AppointmentDate.Format(dateLayout),
	}
	rooms := []string{
		websocket.DoctorRoom(a.DoctorID),
		websocket.HospitalRoom(a.HospitalID),
		websocket.PatientRoom(a.PatientID),
	}
	for _, room := range rooms {
		ev, err := websocket.NewEvent(name, room, "Appointment", a.ID.String(), payload)
		if err == nil {
			err = s.bus.Publish(ctx, ev)
		}
		if err != nil {
			s.logger.Warn().Err(err).
				Str("appointment_id", a.ID.String()).
				Str("room", room).
				Str("event", name).
				Msg("failed to publish appointment event")
		}
	}
}
