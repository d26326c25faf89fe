package emergency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
	"github.com/carequeue/carequeue/internal/platform/websocket"
)

// Negotiation message kinds forwarded by the relay.
const (
	SignalSessionOffer     = "session-offer"
	SignalSessionAnswer    = "session-answer"
	SignalNetworkCandidate = "network-candidate"
)

func validSignal(kind string) bool {
	switch kind {
	case SignalSessionOffer, SignalSessionAnswer, SignalNetworkCandidate:
		return true
	}
	return false
}

// Relay forwards negotiation payloads between the two participants of a
// call. It neither interprets nor stores them.
type Relay struct {
	repo   Repository
	svc    *Service
	bus    websocket.EventPublisher
	logger zerolog.Logger
}

func NewRelay(repo Repository, svc *Service, bus websocket.EventPublisher, logger zerolog.Logger) *Relay {
	return &Relay{repo: repo, svc: svc, bus: bus, logger: logger}
}

type signalEnvelope struct {
	CallID  uuid.UUID       `json:"callId"`
	Kind    string          `json:"kind"`
	From    uuid.UUID       `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Forward sends payload unmodified to the call room. The sender's own
// connections are skipped, so only the other participant receives it.
func (r *Relay) Forward(ctx context.Context, actor auth.Actor, callID uuid.UUID, kind string, payload json.RawMessage) error {
	if !validSignal(kind) {
		return fmt.Errorf("%w: unknown signal kind %q", ErrInvalidInput, kind)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: signal payload is required", ErrInvalidInput)
	}
	call, err := r.repo.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	if !call.Participant(actor) {
		return ErrUnauthorized
	}
	if !call.Status.Bound() {
		return errInvalidState(call.Status, "signal on")
	}
	// NewEvent re-encodes the envelope; RawMessage keeps payload bytes as sent.
	ev, err := websocket.NewEvent(kind, websocket.CallRoom(callID), resourceType, callID.String(), signalEnvelope{
		CallID:  callID,
		Kind:    kind,
		From:    actor.ID,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ev.Sender = actor.ID.String()
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("call_id", callID.String()).Str("kind", kind).Msg("failed to relay signal")
		return err
	}
	return nil
}

// HandleSignal serves signal frames arriving over a WebSocket connection.
func (r *Relay) HandleSignal(ctx context.Context, actor auth.Actor, callID uuid.UUID, kind string, payload json.RawMessage) error {
	return r.Forward(ctx, actor, callID, kind, payload)
}

// HandleChat serves chat frames arriving over a WebSocket connection.
func (r *Relay) HandleChat(ctx context.Context, actor auth.Actor, callID uuid.UUID, message string) error {
	_, err := r.svc.Chat(ctx, actor, callID, message)
	return err
}

// AuthorizeRoom admits participants to their call's room. Other room kinds
// are limited to a connection's defaults.
func (r *Relay) AuthorizeRoom(ctx context.Context, actor auth.Actor, room string) bool {
	kind, id, err := websocket.ParseRoom(room)
	if err != nil || kind != websocket.RoomKindCall {
		return false
	}
	call, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return false
	}
	return call.Participant(actor)
}

var _ websocket.InboundHandler = (*Relay)(nil)
