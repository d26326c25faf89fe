package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionSignal      = "signal"
	ActionChat        = "chat"
)

var ErrRoomForbidden = errors.New("room not permitted")

// ClientMessage is an inbound frame from a connection.
type ClientMessage struct {
	Action  string          `json:"action"`
	Rooms   []string        `json:"rooms,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// InboundHandler receives call traffic sent over a connection.
type InboundHandler interface {
	HandleSignal(ctx context.Context, actor auth.Actor, callID uuid.UUID, kind string, payload json.RawMessage) error
	HandleChat(ctx context.Context, actor auth.Actor, callID uuid.UUID, message string) error
}

// RoomAuthorizer decides whether actor may join a room beyond its defaults.
type RoomAuthorizer func(ctx context.Context, actor auth.Actor, room string) bool

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the CORS layer and token auth
	},
}

// WebSocketHandler upgrades HTTP connections and routes client messages.
type WebSocketHandler struct {
	hub        *Hub
	inbound    InboundHandler
	authorize  RoomAuthorizer
	sendBuffer int
	logger     zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, inbound InboundHandler, authorize RoomAuthorizer, sendBuffer int, logger zerolog.Logger) *WebSocketHandler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &WebSocketHandler{
		hub:        hub,
		inbound:    inbound,
		authorize:  authorize,
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, joins the actor's default rooms and
// starts the read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:    uuid.New().String(),
		Actor: actor,
		Rooms: DefaultRooms(actor),
		Send:  make(chan []byte, wsh.sendBuffer),
		conn:  &gorillaConnAdapter{ws},
	}
	wsh.hub.Register(client)

	wsh.logger.Debug().
		Str("connection_id", client.ID).
		Str("actor", actor.String()).
		Strs("rooms", client.Rooms).
		Msg("websocket connected")

	go wsh.writePump(client)
	go wsh.readPump(client)

	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			wsh.replyError(client, "", fmt.Errorf("malformed message: %w", err))
			continue
		}

		if err := wsh.ProcessMessage(context.Background(), client, msg); err != nil {
			wsh.replyError(client, msg.Action, err)
		}
	}
}

func (wsh *WebSocketHandler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

// ProcessMessage dispatches one inbound message.
func (wsh *WebSocketHandler) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) error {
	switch msg.Action {
	case ActionSubscribe:
		for _, room := range msg.Rooms {
			if !wsh.mayJoin(ctx, client.Actor, room) {
				return fmt.Errorf("%w: %s", ErrRoomForbidden, room)
			}
		}
		return wsh.hub.Subscribe(client.ID, msg.Rooms...)
	case ActionUnsubscribe:
		return wsh.hub.Unsubscribe(client.ID, msg.Rooms...)
	case ActionSignal, ActionChat:
		if wsh.inbound == nil {
			return fmt.Errorf("action %q not supported", msg.Action)
		}
		callID, err := uuid.Parse(msg.CallID)
		if err != nil {
			return fmt.Errorf("invalid callId: %w", err)
		}
		if msg.Action == ActionSignal {
			return wsh.inbound.HandleSignal(ctx, client.Actor, callID, msg.Kind, msg.Payload)
		}
		return wsh.inbound.HandleChat(ctx, client.Actor, callID, msg.Message)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

func (wsh *WebSocketHandler) mayJoin(ctx context.Context, actor auth.Actor, room string) bool {
	if _, _, err := ParseRoom(room); err != nil {
		return false
	}
	for _, r := range DefaultRooms(actor) {
		if r == room {
			return true
		}
	}
	return wsh.authorize != nil && wsh.authorize(ctx, actor, room)
}

func (wsh *WebSocketHandler) replyError(client *Client, action string, cause error) {
	wsh.logger.Debug().Err(cause).Str("connection_id", client.ID).Str("action", action).Msg("websocket message rejected")
	ev, err := NewEvent("error", "", "", "", map[string]string{
		"action": action,
		"error":  cause.Error(),
	})
	if err != nil {
		return
	}
	wsh.hub.sendTo(client, ev)
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
