// Package emergency dispatches unscheduled emergency consultations to any
// available doctor and relays call traffic between the two participants.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
	"github.com/carequeue/carequeue/internal/platform/clock"
	"github.com/carequeue/carequeue/internal/platform/websocket"
)

// Event names published by the coordinator.
const (
	EventCallAvailable  = "emergency-call-available"
	EventCallAccepted   = "emergency-call-accepted"
	EventCallTaken      = "emergency-call-taken"
	EventCallCancelled  = "emergency-call-cancelled"
	EventVideoStarted   = "video-call-started"
	EventCallEnded      = "emergency-call-ended"
	EventCallUnanswered = "emergency-call-unanswered"
	EventChatMessage    = "chat-message"
)

const (
	resourceType     = "EmergencyCall"
	pendingListLimit = 100
)

type Config struct {
	PendingTimeout  time.Duration
	ConsultationFee int64
}

type Service struct {
	repo   Repository
	avail  Availability
	bus    websocket.EventPublisher
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger
}

func NewService(repo Repository, avail Availability, bus websocket.EventPublisher, clk clock.Clock, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		avail:  avail,
		bus:    bus,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

type offerSummary struct {
	CallID          uuid.UUID `json:"callId"`
	UrgencyLevel    Urgency   `json:"urgencyLevel"`
	Symptoms        string    `json:"symptoms"`
	PatientLocation *string   `json:"patientLocation,omitempty"`
	ConsultationFee int64     `json:"consultationFee"`
	CreatedAt       time.Time `json:"createdAt"`
}

type callNotice struct {
	CallID    uuid.UUID  `json:"callId"`
	Status    Status     `json:"status"`
	PatientID uuid.UUID  `json:"patientId"`
	DoctorID  *uuid.UUID `json:"doctorId,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type endSummary struct {
	CallID       uuid.UUID `json:"callId"`
	Status       Status    `json:"status"`
	EndedBy      uuid.UUID `json:"endedBy"`
	CallDuration *int      `json:"callDuration,omitempty"`
}

// Request opens a pending call and offers it to every doctor currently
// marked available, regardless of hospital.
func (s *Service) Request(ctx context.Context, actor auth.Actor, in RequestInput) (*Call, error) {
	if !actor.IsPatient() {
		return nil, fmt.Errorf("%w: only patients can request emergency calls", ErrUnauthorized)
	}
	symptoms := strings.TrimSpace(in.Symptoms)
	if symptoms == "" || utf8.RuneCountInString(symptoms) > MaxSymptomsLength {
		return nil, fmt.Errorf("%w: symptoms must be 1-%d characters", ErrInvalidInput, MaxSymptomsLength)
	}
	if !in.UrgencyLevel.Valid() {
		return nil, fmt.Errorf("%w: unknown urgency level %q", ErrInvalidInput, in.UrgencyLevel)
	}

	offered, err := s.avail.Available(ctx)
	if err != nil {
		// broadcast is best effort; the call stays listable as pending
		s.logger.Warn().Err(err).Msg("failed to read doctor availability")
		offered = nil
	}

	call := &Call{
		PatientID:       actor.ID,
		Status:          StatusPending,
		UrgencyLevel:    in.UrgencyLevel,
		Symptoms:        symptoms,
		PatientLocation: in.PatientLocation,
		ConsultationFee: s.cfg.ConsultationFee,
		OfferedTo:       offered,
		CreatedAt:       s.clock.Now().UTC(),
	}
	if err := s.repo.Create(ctx, call); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("call_id", call.ID.String()).
		Str("urgency", string(call.UrgencyLevel)).
		Int("offered", len(offered)).
		Msg("emergency call requested")

	summary := offerSummary{
		CallID:          call.ID,
		UrgencyLevel:    call.UrgencyLevel,
		Symptoms:        call.Symptoms,
		PatientLocation: call.PatientLocation,
		ConsultationFee: call.ConsultationFee,
		CreatedAt:       call.CreatedAt,
	}
	for _, doctorID := range offered {
		s.publish(ctx, EventCallAvailable, websocket.DoctorRoom(doctorID), call.ID, summary)
	}
	return call, nil
}

// Accept claims a pending call for the calling doctor. Exactly one doctor
// wins; the rest get ErrAlreadyTaken.
func (s *Service) Accept(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Call, error) {
	if !actor.IsDoctor() {
		return nil, fmt.Errorf("%w: only doctors can accept emergency calls", ErrUnauthorized)
	}

	call, err := s.repo.Claim(ctx, id, actor.ID, s.clock.Now().UTC())
	if errors.Is(err, ErrAlreadyTaken) {
		s.logger.Info().Str("call_id", id.String()).Str("doctor_id", actor.ID.String()).Msg("emergency call accept lost race")
		if current, gerr := s.repo.GetByID(ctx, id); gerr == nil && !current.offeredTo(actor.ID) {
			s.publish(ctx, EventCallTaken, websocket.DoctorRoom(actor.ID), id, notice(current, "accepted"))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("call_id", id.String()).Str("doctor_id", actor.ID.String()).Msg("emergency call accepted")

	n := notice(call, "accepted")
	s.publishPair(ctx, EventCallAccepted, call, n, joinCall(call.ID))
	for _, doctorID := range call.OfferedTo {
		if doctorID != actor.ID {
			s.publish(ctx, EventCallTaken, websocket.DoctorRoom(doctorID), call.ID, n)
		}
	}
	return call, nil
}

// StartVideo marks media as established: connecting -> active.
func (s *Service) StartVideo(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Call, error) {
	call, err := s.participantCall(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if call.Status != StatusConnecting {
		return nil, errInvalidState(call.Status, "start video on")
	}
	now := s.clock.Now().UTC()
	updated, err := s.repo.Transition(ctx, id, []Status{StatusConnecting}, Update{To: StatusActive, CallStartTime: &now})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("call_id", id.String()).Msg("emergency video started")
	s.publishPair(ctx, EventVideoStarted, updated, notice(updated, ""))
	return updated, nil
}

// End closes a bound call. An active call completes with its duration. A
// call ended before media was established is cancelled, unless the
// requesting patient ends it, which completes it without a duration. Only
// the bound doctor may record notes.
func (s *Service) End(ctx context.Context, actor auth.Actor, id uuid.UUID, in EndInput) (*Call, error) {
	call, err := s.participantCall(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !call.Status.Bound() {
		return nil, errInvalidState(call.Status, "end")
	}
	if !actor.IsDoctor() && (in.DoctorNotes != nil || in.FirstAidInstructions != nil) {
		return nil, fmt.Errorf("%w: only the doctor may record notes", ErrInvalidInput)
	}

	now := s.clock.Now().UTC()
	by := actor.ID
	upd := Update{
		To:                   StatusCancelled,
		EndedAt:              &now,
		EndedBy:              &by,
		DoctorNotes:          in.DoctorNotes,
		FirstAidInstructions: in.FirstAidInstructions,
	}
	if call.Status == StatusActive || actor.IsPatient() {
		upd.To = StatusCompleted
	}
	if call.Status == StatusActive && call.CallStartTime != nil {
		minutes := durationMinutes(now.Sub(*call.CallStartTime))
		upd.CallDuration = &minutes
	}

	updated, err := s.repo.Transition(ctx, id, []Status{call.Status}, upd)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("call_id", id.String()).
		Str("status", string(updated.Status)).
		Str("ended_by", by.String()).
		Msg("emergency call ended")

	s.publishPair(ctx, EventCallEnded, updated, endSummary{
		CallID:       updated.ID,
		Status:       updated.Status,
		EndedBy:      by,
		CallDuration: updated.CallDuration,
	}, leaveCall(updated.ID))
	return updated, nil
}

// durationMinutes rounds up so any established call bills at least a minute.
func durationMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

// Cancel withdraws a pending call. Only the requesting patient may cancel,
// and only before a doctor is bound.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Call, error) {
	call, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsPatient() || call.PatientID != actor.ID {
		return nil, ErrUnauthorized
	}
	if call.Status != StatusPending {
		return nil, errInvalidState(call.Status, "cancel")
	}

	now := s.clock.Now().UTC()
	by := actor.ID
	updated, err := s.repo.Transition(ctx, id, []Status{StatusPending}, Update{To: StatusCancelled, EndedAt: &now, EndedBy: &by})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("call_id", id.String()).Msg("emergency call cancelled by patient")

	n := notice(updated, "cancelled")
	s.publish(ctx, EventCallCancelled, websocket.PatientRoom(updated.PatientID), id, n)
	for _, doctorID := range updated.OfferedTo {
		s.publish(ctx, EventCallTaken, websocket.DoctorRoom(doctorID), id, n)
	}
	return updated, nil
}

// Chat appends a message to the call transcript and forwards it to the
// other participant.
func (s *Service) Chat(ctx context.Context, actor auth.Actor, id uuid.UUID, message string) (*ChatMessage, error) {
	n := utf8.RuneCountInString(message)
	if strings.TrimSpace(message) == "" || n > MaxChatLength {
		return nil, fmt.Errorf("%w: message must be 1-%d characters", ErrInvalidInput, MaxChatLength)
	}
	call, err := s.participantCall(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !call.Status.Bound() {
		return nil, errInvalidState(call.Status, "chat on")
	}

	msg := ChatMessage{
		SenderID:   actor.ID,
		SenderRole: actor.Role,
		Message:    message,
		Timestamp:  s.clock.Now().UTC(),
	}
	if _, err := s.repo.AppendChat(ctx, id, msg); err != nil {
		return nil, err
	}

	s.publish(ctx, EventChatMessage, websocket.CallRoom(id), id, struct {
		CallID uuid.UUID `json:"callId"`
		ChatMessage
	}{id, msg}, from(actor.ID))
	return &msg, nil
}

// Get returns a call to one of its participants, or to any doctor while the
// call is still pending.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Call, error) {
	call, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !call.Participant(actor) && !(actor.IsDoctor() && call.Status == StatusPending) {
		return nil, ErrUnauthorized
	}
	s.decorate(call)
	return call, nil
}

// ListPending returns open offers, most urgent first.
func (s *Service) ListPending(ctx context.Context, actor auth.Actor) ([]*Call, error) {
	if !actor.IsDoctor() {
		return nil, ErrUnauthorized
	}
	calls, err := s.repo.ListPending(ctx, pendingListLimit)
	if err != nil {
		return nil, err
	}
	for _, c := range calls {
		s.decorate(c)
	}
	return calls, nil
}

func (s *Service) decorate(c *Call) {
	c.NoDoctorAvailable = c.Status == StatusPending &&
		s.cfg.PendingTimeout > 0 &&
		s.clock.Now().Sub(c.CreatedAt) > s.cfg.PendingTimeout
}

func (s *Service) SetAvailability(ctx context.Context, actor auth.Actor, available bool) error {
	if !actor.IsDoctor() {
		return ErrUnauthorized
	}
	if err := s.avail.Set(ctx, actor.ID, available); err != nil {
		return err
	}
	s.logger.Info().Str("doctor_id", actor.ID.String()).Bool("available", available).Msg("emergency availability changed")
	return nil
}

func (s *Service) Availability(ctx context.Context, actor auth.Actor) (bool, error) {
	if !actor.IsDoctor() {
		return false, ErrUnauthorized
	}
	return s.avail.IsAvailable(ctx, actor.ID)
}

// SweepUnanswered tells patients whose call has waited past the pending
// window that no doctor is available. Each call is reported once; the call
// itself stays pending.
func (s *Service) SweepUnanswered(ctx context.Context) (int, error) {
	if s.cfg.PendingTimeout <= 0 {
		return 0, nil
	}
	now := s.clock.Now().UTC()
	calls, err := s.repo.MarkUnanswered(ctx, now.Add(-s.cfg.PendingTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("mark unanswered calls: %w", err)
	}
	for _, c := range calls {
		s.publish(ctx, EventCallUnanswered, websocket.PatientRoom(c.PatientID), c.ID, notice(c, "no doctor available"))
	}
	if len(calls) > 0 {
		s.logger.Warn().Int("count", len(calls)).Msg("emergency calls unanswered")
	}
	return len(calls), nil
}

func (s *Service) participantCall(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Call, error) {
	call, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !call.Participant(actor) {
		return nil, ErrUnauthorized
	}
	return call, nil
}

func notice(c *Call, reason string) callNotice {
	return callNotice{
		CallID:    c.ID,
		Status:    c.Status,
		PatientID: c.PatientID,
		DoctorID:  c.DoctorID,
		Reason:    reason,
	}
}

type eventOption func(*websocket.Event)

// joinCall moves the receiving connections into the call room.
func joinCall(id uuid.UUID) eventOption {
	return func(ev *websocket.Event) { ev.Join = websocket.CallRoom(id) }
}

func leaveCall(id uuid.UUID) eventOption {
	return func(ev *websocket.Event) { ev.Leave = websocket.CallRoom(id) }
}

// from keeps an event away from the sender's own connections.
func from(actorID uuid.UUID) eventOption {
	return func(ev *websocket.Event) { ev.Sender = actorID.String() }
}

// publishPair sends an event to the patient and the bound doctor only.
func (s *Service) publishPair(ctx context.Context, name string, c *Call, payload any, opts ...eventOption) {
	s.publish(ctx, name, websocket.PatientRoom(c.PatientID), c.ID, payload, opts...)
	if c.DoctorID != nil {
		s.publish(ctx, name, websocket.DoctorRoom(*c.DoctorID), c.ID, payload, opts...)
	}
}

func (s *Service) publish(ctx context.Context, name, room string, callID uuid.UUID, payload any, opts ...eventOption) {
	ev, err := websocket.NewEvent(name, room, resourceType, callID.String(), payload)
	if err == nil {
		for _, opt := range opts {
			opt(&ev)
		}
		err = s.bus.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).
			Str("call_id", callID.String()).
			Str("room", room).
			Str("event", name).
			Msg("failed to publish emergency event")
	}
}
