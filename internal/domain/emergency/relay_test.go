package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
	"github.com/carequeue/carequeue/internal/platform/websocket"
)

func newTestRelay(f *fixture) *Relay {
	return NewRelay(f.repo, f.svc, f.bus, zerolog.Nop())
}

func TestRelay_ForwardsUnmodifiedToOtherParticipant(t *testing.T) {
	f := newFixture(t)
	r := newTestRelay(f)
	call, patient, doctor := f.connected(t)
	f.bus.reset()

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 4611 2 IN IP4 127.0.0.1"}`)
	if err := r.Forward(context.Background(), doctor, call.ID, SignalSessionOffer, payload); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if len(f.bus.inRoom(websocket.DoctorRoom(doctor.ID))) != 0 || len(f.bus.inRoom(websocket.PatientRoom(patient.ID))) != 0 {
		t.Error("signals travel in the call room, not personal rooms")
	}
	evs := f.bus.inRoom(websocket.CallRoom(call.ID))
	if len(evs) != 1 || evs[0].Name != SignalSessionOffer {
		t.Fatalf("expected one session-offer in the call room, got %+v", evs)
	}
	if evs[0].Sender != doctor.ID.String() {
		t.Errorf("expected sender %s to be excluded, got %q", doctor.ID, evs[0].Sender)
	}
	env := decode[signalEnvelope](evs[0])
	if env.From != doctor.ID || env.CallID != call.ID {
		t.Errorf("unexpected envelope %+v", env)
	}
	var got, want map[string]string
	_ = json.Unmarshal(env.Payload, &got)
	_ = json.Unmarshal(payload, &want)
	if got["sdp"] != want["sdp"] || got["type"] != want["type"] {
		t.Errorf("payload altered: %s", env.Payload)
	}
}

func TestRelay_Rejections(t *testing.T) {
	f := newFixture(t)
	r := newTestRelay(f)
	ctx := context.Background()
	call, patient, _ := f.connected(t)
	pending := f.request(t, newPatient(), UrgencyMedium)
	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host"}`)

	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"unknown kind", r.Forward(ctx, patient, call.ID, "renegotiate", candidate), ErrInvalidInput},
		{"empty payload", r.Forward(ctx, patient, call.ID, SignalNetworkCandidate, nil), ErrInvalidInput},
		{"bad json", r.Forward(ctx, patient, call.ID, SignalNetworkCandidate, json.RawMessage(`{`)), ErrInvalidInput},
		{"stranger", r.Forward(ctx, newPatient(), call.ID, SignalNetworkCandidate, candidate), ErrUnauthorized},
		{"pending call", r.Forward(ctx, auth.Actor{ID: pending.PatientID, Role: auth.RolePatient}, pending.ID, SignalNetworkCandidate, candidate), ErrInvalidState},
		{"unknown call", r.Forward(ctx, patient, uuid.New(), SignalNetworkCandidate, candidate), ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, tt.err)
			}
		})
	}
}

func TestRelay_InboundHandler(t *testing.T) {
	f := newFixture(t)
	r := newTestRelay(f)
	ctx := context.Background()
	call, patient, doctor := f.connected(t)
	f.bus.reset()

	var inbound websocket.InboundHandler = r
	if err := inbound.HandleSignal(ctx, patient, call.ID, SignalSessionAnswer, json.RawMessage(`{"type":"answer"}`)); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if err := inbound.HandleChat(ctx, doctor, call.ID, "Are you able to walk?"); err != nil {
		t.Fatalf("HandleChat: %v", err)
	}

	evs := f.bus.inRoom(websocket.CallRoom(call.ID))
	if len(evs) != 2 {
		t.Fatalf("expected answer and chat in the call room, got %+v", evs)
	}
	if evs[0].Name != SignalSessionAnswer || evs[0].Sender != patient.ID.String() {
		t.Errorf("unexpected answer event %+v", evs[0])
	}
	if evs[1].Name != EventChatMessage || evs[1].Sender != doctor.ID.String() {
		t.Errorf("unexpected chat event %+v", evs[1])
	}
}

func TestRelay_AuthorizeRoom(t *testing.T) {
	f := newFixture(t)
	r := newTestRelay(f)
	ctx := context.Background()
	call, patient, doctor := f.connected(t)
	room := websocket.CallRoom(call.ID)

	if !r.AuthorizeRoom(ctx, patient, room) || !r.AuthorizeRoom(ctx, doctor, room) {
		t.Error("participants must be admitted to the call room")
	}
	if r.AuthorizeRoom(ctx, newDoctor(), room) {
		t.Error("other doctors must not join the call room")
	}
	if r.AuthorizeRoom(ctx, patient, websocket.CallRoom(uuid.New())) {
		t.Error("unknown call room must be refused")
	}
	if r.AuthorizeRoom(ctx, patient, websocket.DoctorRoom(doctor.ID)) {
		t.Error("relay only authorizes call rooms")
	}
}

func TestRelay_CallRoomOverHub(t *testing.T) {
	ctx := context.Background()
	hub := websocket.NewHub(zerolog.Nop())
	f := newFixture(t)
	f.svc = NewService(f.repo, f.avail, hub, f.clock, Config{PendingTimeout: 5 * time.Minute}, zerolog.Nop())
	r := NewRelay(f.repo, f.svc, hub, zerolog.Nop())

	patient := newPatient()
	doctor := f.available(t, 1)[0]
	bystander := f.available(t, 1)[0]

	connect := func(id string, actor auth.Actor) *websocket.Client {
		c := &websocket.Client{ID: id, Actor: actor, Rooms: websocket.DefaultRooms(actor), Send: make(chan []byte, 32)}
		hub.Register(c)
		return c
	}
	patientConn := connect("patient", patient)
	doctorConn := connect("doctor", doctor)
	otherConn := connect("bystander", bystander)

	call := f.request(t, patient, UrgencyCritical)
	if _, err := f.svc.Accept(ctx, doctor, call.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	room := websocket.CallRoom(call.ID)
	if hub.RoomCount(room) != 2 {
		t.Fatalf("accept should bind both participants to %s, got %d", room, hub.RoomCount(room))
	}

	drain := func(c *websocket.Client) []websocket.Event {
		var out []websocket.Event
		for {
			select {
			case data := <-c.Send:
				var ev websocket.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					t.Fatalf("decode: %v", err)
				}
				out = append(out, ev)
			default:
				return out
			}
		}
	}
	drain(patientConn)
	drain(doctorConn)
	drain(otherConn)

	if err := r.Forward(ctx, doctor, call.ID, SignalSessionOffer, json.RawMessage(`{"type":"offer"}`)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if _, err := f.svc.Chat(ctx, patient, call.ID, "I can see you"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	toPatient := drain(patientConn)
	toDoctor := drain(doctorConn)
	if len(toPatient) != 1 || toPatient[0].Name != SignalSessionOffer || toPatient[0].Room != room {
		t.Errorf("patient should receive only the offer, got %+v", toPatient)
	}
	if len(toDoctor) != 1 || toDoctor[0].Name != EventChatMessage || toDoctor[0].Room != room {
		t.Errorf("doctor should receive only the chat, got %+v", toDoctor)
	}
	if evs := drain(otherConn); len(evs) != 0 {
		t.Errorf("bystander received call traffic: %+v", evs)
	}

	if _, err := f.svc.End(ctx, doctor, call.ID, EndInput{}); err != nil {
		t.Fatalf("End: %v", err)
	}
	if hub.RoomCount(room) != 0 {
		t.Errorf("ending should release the call room, got %d", hub.RoomCount(room))
	}
}
