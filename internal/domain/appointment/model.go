package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusMissed     Status = "missed"
)

// transitions is the complete edge table. Anything absent is illegal.
var transitions = map[Status][]Status{
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusMissed},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Active reports whether the appointment still occupies a place in the queue.
func (s Status) Active() bool {
	return s == StatusConfirmed || s == StatusInProgress
}

func (s Status) Valid() bool {
	switch s {
	case StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusMissed:
		return true
	}
	return false
}

// Appointment maps to the appointments table. Token number and wait
// estimate are fixed at booking.
type Appointment struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	PatientID             uuid.UUID  `db:"patient_id" json:"patientId"`
	DoctorID              uuid.UUID  `db:"doctor_id" json:"doctorId"`
	HospitalID            uuid.UUID  `db:"hospital_id" json:"hospitalId"`
	SlotID                *uuid.UUID `db:"slot_id" json:"slotId,omitempty"`
	AppointmentDate       time.Time  `db:"appointment_date" json:"appointmentDate"`
	AppointmentTime       string     `db:"appointment_time" json:"appointmentTime"`
	ScheduledAt           time.Time  `db:"scheduled_at" json:"scheduledAt"`
	TokenNumber           int        `db:"token_number" json:"tokenNumber"`
	EstimatedWaitTime     int        `db:"estimated_wait_time" json:"estimatedWaitTime"`
	Status                Status     `db:"status" json:"status"`
	ConsultationStartedAt *time.Time `db:"consultation_started_at" json:"consultationStartedAt,omitempty"`
	ConsultationEndedAt   *time.Time `db:"consultation_ended_at" json:"consultationEndedAt,omitempty"`
	Diagnosis             *string    `db:"diagnosis" json:"diagnosis,omitempty"`
	Prescription          *string    `db:"prescription" json:"prescription,omitempty"`
	DoctorNotes           *string    `db:"doctor_notes" json:"doctorNotes,omitempty"`
	CancelledBy           *uuid.UUID `db:"cancelled_by" json:"cancelledBy,omitempty"`
	CancelReason          *string    `db:"cancel_reason" json:"cancelReason,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updatedAt"`
}

// Slot is a doctor's recurring weekly consulting window.
type Slot struct {
	ID                     uuid.UUID    `db:"id" json:"id"`
	DoctorID               uuid.UUID    `db:"doctor_id" json:"doctorId"`
	HospitalID             uuid.UUID    `db:"hospital_id" json:"hospitalId"`
	DayOfWeek              time.Weekday `db:"day_of_week" json:"dayOfWeek"`
	StartTime              string       `db:"start_time" json:"startTime"`
	EndTime                string       `db:"end_time" json:"endTime"`
	MaxPatients            int          `db:"max_patients" json:"maxPatients"`
	AvgConsultationMinutes *int         `db:"avg_consultation_minutes" json:"avgConsultationMinutes,omitempty"`
	Active                 bool         `db:"active" json:"active"`
}

// Covers reports whether the HH:MM label falls inside [StartTime, EndTime).
func (s *Slot) Covers(hhmm string) bool {
	return s.Active && hhmm >= s.StartTime && hhmm < s.EndTime
}

// StatusUpdate carries the fields a transition writes alongside the status.
type StatusUpdate struct {
	To           Status
	StartedAt    *time.Time
	EndedAt      *time.Time
	Diagnosis    *string
	Prescription *string
	DoctorNotes  *string
	CancelledBy  *uuid.UUID
	CancelReason *string
}

// CompletionNotes is the optional clinical payload recorded on completion.
type CompletionNotes struct {
	Diagnosis    *string `json:"diagnosis,omitempty" validate:"omitempty,max=4000"`
	Prescription *string `json:"prescription,omitempty" validate:"omitempty,max=4000"`
	DoctorNotes  *string `json:"doctorNotes,omitempty" validate:"omitempty,max=4000"`
}

// QueueEntry is one line of a doctor's day queue.
type QueueEntry struct {
	AppointmentID     uuid.UUID `json:"appointmentId"`
	PatientID         uuid.UUID `json:"patientId"`
	TokenNumber       int       `json:"tokenNumber"`
	AppointmentTime   string    `json:"appointmentTime"`
	Status            Status    `json:"status"`
	Position          int       `json:"position"`
	EstimatedWaitTime int       `json:"estimatedWaitTime"`
}

// QueueSnapshot is the derived queue for a doctor and date.
type QueueSnapshot struct {
	DoctorID   uuid.UUID    `json:"doctorId"`
	Date       string       `json:"date"`
	Entries    []QueueEntry `json:"entries"`
	Completed  int          `json:"completed"`
	ComputedAt time.Time    `json:"computedAt"`
}

// Position is a patient's live place in the queue.
type Position struct {
	AppointmentID     uuid.UUID `json:"appointmentId"`
	TokenNumber       int       `json:"tokenNumber"`
	Status            Status    `json:"status"`
	Ahead             int       `json:"ahead"`
	EstimatedWaitTime int       `json:"estimatedWaitTime"`
}
