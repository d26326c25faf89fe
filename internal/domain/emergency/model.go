package emergency

import (
	"time"

	"github.com/google/uuid"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Bound reports whether a doctor holds the call.
func (s Status) Bound() bool {
	return s == StatusConnecting || s == StatusActive
}

type Urgency string

const (
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

const (
	MaxSymptomsLength = 2000
	MaxChatLength     = 1000
)

type ChatMessage struct {
	SenderID   uuid.UUID `json:"senderId"`
	SenderRole auth.Role `json:"senderRole"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Call is an emergency consultation request routed to any available doctor.
type Call struct {
	ID                   uuid.UUID     `db:"id" json:"id"`
	PatientID            uuid.UUID     `db:"patient_id" json:"patientId"`
	DoctorID             *uuid.UUID    `db:"doctor_id" json:"doctorId,omitempty"`
	Status               Status        `db:"status" json:"status"`
	UrgencyLevel         Urgency       `db:"urgency_level" json:"urgencyLevel"`
	Symptoms             string        `db:"symptoms" json:"symptoms"`
	PatientLocation      *string       `db:"patient_location" json:"patientLocation,omitempty"`
	ChatHistory          []ChatMessage `db:"chat_history" json:"chatHistory"`
	ConsultationFee      int64         `db:"consultation_fee" json:"consultationFee"`
	OfferedTo            []uuid.UUID   `db:"offered_to" json:"-"`
	AcceptedAt           *time.Time    `db:"accepted_at" json:"acceptedAt,omitempty"`
	CallStartTime        *time.Time    `db:"call_start_time" json:"callStartTime,omitempty"`
	CallDuration         *int          `db:"call_duration" json:"callDuration,omitempty"`
	EndedAt              *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	EndedBy              *uuid.UUID    `db:"ended_by" json:"endedBy,omitempty"`
	DoctorNotes          *string       `db:"doctor_notes" json:"doctorNotes,omitempty"`
	FirstAidInstructions *string       `db:"first_aid_instructions" json:"firstAidInstructions,omitempty"`
	UnansweredNotifiedAt *time.Time    `db:"unanswered_notified_at" json:"-"`
	CreatedAt            time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updatedAt"`

	// NoDoctorAvailable is derived on read for calls pending past the window.
	NoDoctorAvailable bool `db:"-" json:"noDoctorAvailable"`
}

// Participant reports whether actor is the requesting patient or the bound doctor.
func (c *Call) Participant(actor auth.Actor) bool {
	switch {
	case actor.IsPatient():
		return c.PatientID == actor.ID
	case actor.IsDoctor():
		return c.DoctorID != nil && *c.DoctorID == actor.ID
	}
	return false
}

func (c *Call) offeredTo(doctorID uuid.UUID) bool {
	for _, id := range c.OfferedTo {
		if id == doctorID {
			return true
		}
	}
	return false
}

// RequestInput is a patient's emergency request.
type RequestInput struct {
	Symptoms        string  `json:"symptoms" validate:"required,min=1,max=2000"`
	UrgencyLevel    Urgency `json:"urgencyLevel" validate:"required,oneof=medium high critical"`
	PatientLocation *string `json:"patientLocation,omitempty" validate:"omitempty,max=500"`
}

// EndInput carries the doctor's closing notes.
type EndInput struct {
	DoctorNotes          *string `json:"doctorNotes,omitempty" validate:"omitempty,max=4000"`
	FirstAidInstructions *string `json:"firstAidInstructions,omitempty" validate:"omitempty,max=4000"`
}

// Update is a conditional status change applied by the repository.
type Update struct {
	To                   Status
	CallStartTime        *time.Time
	CallDuration         *int
	EndedAt              *time.Time
	EndedBy              *uuid.UUID
	DoctorNotes          *string
	FirstAidInstructions *string
}

// claimMiss classifies why a claim on current did not apply.
func claimMiss(current *Call) error {
	if current.DoctorID != nil {
		return ErrAlreadyTaken
	}
	return errInvalidState(current.Status, "accept")
}
