package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carequeue/carequeue/internal/platform/db"
)

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &appointmentRepoPG{pool: pool} }

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, patient_id, doctor_id, hospital_id, slot_id, appointment_date, appointment_time,
	scheduled_at, token_number, estimated_wait_time, status, consultation_started_at,
	consultation_ended_at, diagnosis, prescription, doctor_notes, cancelled_by, cancel_reason,
	created_at, updated_at`

func scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.HospitalID, &a.SlotID, &a.AppointmentDate,
		&a.AppointmentTime, &a.ScheduledAt, &a.TokenNumber, &a.EstimatedWaitTime, &status,
		&a.ConsultationStartedAt, &a.ConsultationEndedAt, &a.Diagnosis, &a.Prescription,
		&a.DoctorNotes, &a.CancelledBy, &a.CancelReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}

func collectAppts(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, hospital_id, slot_id, appointment_date,
			appointment_time, scheduled_at, token_number, estimated_wait_time, status)
		VALUES ($1,$2,$3,$4,$5,$6::date,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.HospitalID, a.SlotID, a.AppointmentDate.Format(dateLayout),
		a.AppointmentTime, a.ScheduledAt, a.TokenNumber, a.EstimatedWaitTime, string(a.Status),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if db.UniqueViolation(err) {
		return fmt.Errorf("%w: token %d", ErrTokenConflict, a.TokenNumber)
	}
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if db.NoRows(err) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *appointmentRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2::date
		ORDER BY token_number`, doctorID, date.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("list day queue: %w", err)
	}
	return collectAppts(rows)
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE patient_id = $1 ORDER BY scheduled_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectAppts(rows)
	return items, total, err
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from Status, upd StatusUpdate) (*Appointment, error) {
	a, err := scanAppt(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET
			status = $3,
			consultation_started_at = COALESCE($4, consultation_started_at),
			consultation_ended_at = COALESCE($5, consultation_ended_at),
			diagnosis = COALESCE($6, diagnosis),
			prescription = COALESCE($7, prescription),
			doctor_notes = COALESCE($8, doctor_notes),
			cancelled_by = COALESCE($9, cancelled_by),
			cancel_reason = COALESCE($10, cancel_reason),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+apptCols,
		id, string(from), string(upd.To), upd.StartedAt, upd.EndedAt, upd.Diagnosis,
		upd.Prescription, upd.DoctorNotes, upd.CancelledBy, upd.CancelReason))
	if db.NoRows(err) {
		var exists bool
		if qerr := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); qerr == nil && !exists {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: appointment is no longer %s", ErrIllegalTransition, from)
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) MarkMissedBefore(ctx context.Context, cutoff time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE appointments SET status = 'missed', updated_at = NOW()
		WHERE status = 'confirmed' AND scheduled_at < $1
		RETURNING `+apptCols, cutoff)
	if err != nil {
		return nil, err
	}
	return collectAppts(rows)
}

// =========== Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const slotCols = `id, doctor_id, hospital_id, day_of_week, to_char(start_time, 'HH24:MI'),
	to_char(end_time, 'HH24:MI'), max_patients, avg_consultation_minutes, active`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var dow int
	if err := row.Scan(&s.ID, &s.DoctorID, &s.HospitalID, &dow, &s.StartTime, &s.EndTime,
		&s.MaxPatients, &s.AvgConsultationMinutes, &s.Active); err != nil {
		return nil, err
	}
	s.DayOfWeek = time.Weekday(dow)
	return &s, nil
}

func (r *slotRepoPG) SlotFor(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday, hhmm string) (*Slot, error) {
	s, err := scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM doctor_slots
		WHERE doctor_id = $1 AND day_of_week = $2 AND active
			AND start_time <= $3::time AND end_time > $3::time
		ORDER BY start_time LIMIT 1`, doctorID, int(weekday), hhmm))
	if db.NoRows(err) {
		return nil, fmt.Errorf("%w: %s %s", ErrSlotUnavailable, weekday, hhmm)
	}
	return s, err
}

func (r *slotRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+slotCols+` FROM doctor_slots
		WHERE doctor_id = $1 ORDER BY day_of_week, start_time`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *slotRepoPG) Create(ctx context.Context, s *Slot) error {
	s.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO doctor_slots (id, doctor_id, hospital_id, day_of_week, start_time, end_time,
			max_patients, avg_consultation_minutes, active)
		VALUES ($1,$2,$3,$4,$5::time,$6::time,$7,$8,$9)`,
		s.ID, s.DoctorID, s.HospitalID, int(s.DayOfWeek), s.StartTime, s.EndTime,
		s.MaxPatients, s.AvgConsultationMinutes, s.Active)
	return err
}

func (r *slotRepoPG) DoctorHospital(ctx context.Context, doctorID uuid.UUID) (uuid.UUID, error) {
	var hospitalID uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT hospital_id FROM doctors WHERE id = $1`, doctorID).Scan(&hospitalID)
	if db.NoRows(err) {
		return uuid.Nil, fmt.Errorf("%w: unknown doctor %s", ErrNotFound, doctorID)
	}
	return hospitalID, err
}
