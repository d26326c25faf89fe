package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

type recordingInbound struct {
	signals []string
	chats   []string
	err     error
}

func (r *recordingInbound) HandleSignal(_ context.Context, _ auth.Actor, callID uuid.UUID, kind string, _ json.RawMessage) error {
	r.signals = append(r.signals, callID.String()+"/"+kind)
	return r.err
}

func (r *recordingInbound) HandleChat(_ context.Context, _ auth.Actor, callID uuid.UUID, message string) error {
	r.chats = append(r.chats, callID.String()+"/"+message)
	return r.err
}

func registeredClient(hub *Hub, actor auth.Actor) *Client {
	c := &Client{
		ID:    uuid.NewString(),
		Actor: actor,
		Rooms: DefaultRooms(actor),
		Send:  make(chan []byte, 16),
	}
	hub.Register(c)
	return c
}

func TestWebSocketHandler_RegisterRoutes(t *testing.T) {
	handler := NewWebSocketHandler(NewHub(zerolog.Nop()), nil, nil, 0, zerolog.Nop())

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestWebSocketHandler_HandleConnectRequiresActor(t *testing.T) {
	handler := NewWebSocketHandler(NewHub(zerolog.Nop()), nil, nil, 0, zerolog.Nop())

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	err := handler.HandleConnect(c)
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestProcessMessage_SubscribeOwnRoomAllowed(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewWebSocketHandler(hub, nil, nil, 0, zerolog.Nop())
	actor := auth.Actor{ID: uuid.New(), Role: auth.RolePatient}
	client := registeredClient(hub, actor)

	err := handler.ProcessMessage(context.Background(), client, ClientMessage{
		Action: ActionSubscribe,
		Rooms:  []string{PatientRoom(actor.ID)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hub.RoomCount(PatientRoom(actor.ID)) != 1 {
		t.Fatal("expected client to remain in own room once")
	}
}

func TestProcessMessage_SubscribeForeignRoomDenied(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewWebSocketHandler(hub, nil, nil, 0, zerolog.Nop())
	client := registeredClient(hub, auth.Actor{ID: uuid.New(), Role: auth.RolePatient})

	other := DoctorRoom(uuid.New())
	err := handler.ProcessMessage(context.Background(), client, ClientMessage{
		Action: ActionSubscribe,
		Rooms:  []string{other},
	})
	if !errors.Is(err, ErrRoomForbidden) {
		t.Fatalf("expected ErrRoomForbidden, got %v", err)
	}
	if hub.RoomCount(other) != 0 {
		t.Fatal("client must not join a foreign room")
	}
}

func TestProcessMessage_SubscribeCallRoomUsesAuthorizer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	allowed := CallRoom(uuid.New())
	authorize := func(_ context.Context, _ auth.Actor, room string) bool { return room == allowed }
	handler := NewWebSocketHandler(hub, nil, authorize, 0, zerolog.Nop())
	client := registeredClient(hub, auth.Actor{ID: uuid.New(), Role: auth.RoleDoctor})

	if err := handler.ProcessMessage(context.Background(), client, ClientMessage{Action: ActionSubscribe, Rooms: []string{allowed}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hub.RoomCount(allowed) != 1 {
		t.Fatal("expected client in call room")
	}

	denied := CallRoom(uuid.New())
	if err := handler.ProcessMessage(context.Background(), client, ClientMessage{Action: ActionSubscribe, Rooms: []string{denied}}); !errors.Is(err, ErrRoomForbidden) {
		t.Fatalf("expected ErrRoomForbidden, got %v", err)
	}
}

func TestProcessMessage_SignalAndChatRouting(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	inbound := &recordingInbound{}
	handler := NewWebSocketHandler(hub, inbound, nil, 0, zerolog.Nop())
	client := registeredClient(hub, auth.Actor{ID: uuid.New(), Role: auth.RolePatient})
	callID := uuid.New()

	if err := handler.ProcessMessage(context.Background(), client, ClientMessage{
		Action:  ActionSignal,
		CallID:  callID.String(),
		Kind:    "session-offer",
		Payload: json.RawMessage(`{"sdp":"v=0"}`),
	}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := handler.ProcessMessage(context.Background(), client, ClientMessage{
		Action:  ActionChat,
		CallID:  callID.String(),
		Message: "hello",
	}); err != nil {
		t.Fatalf("chat: %v", err)
	}

	if len(inbound.signals) != 1 || inbound.signals[0] != callID.String()+"/session-offer" {
		t.Errorf("unexpected signals %v", inbound.signals)
	}
	if len(inbound.chats) != 1 || inbound.chats[0] != callID.String()+"/hello" {
		t.Errorf("unexpected chats %v", inbound.chats)
	}
}

func TestProcessMessage_Rejections(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewWebSocketHandler(hub, &recordingInbound{}, nil, 0, zerolog.Nop())
	client := registeredClient(hub, auth.Actor{ID: uuid.New(), Role: auth.RolePatient})

	tests := []struct {
		name string
		msg  ClientMessage
	}{
		{"unknown action", ClientMessage{Action: "dance"}},
		{"bad call id", ClientMessage{Action: ActionChat, CallID: "nope", Message: "hi"}},
		{"malformed room", ClientMessage{Action: ActionSubscribe, Rooms: []string{"lobby"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := handler.ProcessMessage(context.Background(), client, tt.msg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewWebSocketHandler(hub, &recordingInbound{}, nil, 16, zerolog.Nop())

	e := echo.New()
	g := e.Group("", auth.DevAuthMiddleware())
	handler.RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	doctorID := uuid.New()
	hospitalID := uuid.New()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?actor_id=" + doctorID.String() +
		"&actor_role=doctor&actor_hospital=" + hospitalID.String()

	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomCount(DoctorRoom(doctorID)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.RoomCount(HospitalRoom(hospitalID)) != 1 {
		t.Fatal("expected doctor to join hospital room on connect")
	}

	ev, _ := NewEvent("emergency-call-available", DoctorRoom(doctorID), "EmergencyCall", "c-1", nil)
	hub.Broadcast(ev.Room, ev)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Name != "emergency-call-available" {
		t.Fatalf("expected emergency-call-available, got %s", received.Name)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply Event
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("failed to read error reply: %v", err)
	}
	if reply.Name != "error" {
		t.Fatalf("expected error reply, got %s", reply.Name)
	}
}
