package emergency

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

type Handler struct {
	svc      *Service
	relay    *Relay
	validate *validator.Validate
}

func NewHandler(svc *Service, relay *Relay, validate *validator.Validate) *Handler {
	return &Handler{svc: svc, relay: relay, validate: validate}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/emergency")

	doctors := g.Group("", auth.RequireRole(auth.RoleDoctor))
	doctors.PUT("/availability", h.SetAvailability)
	doctors.GET("/availability", h.GetAvailability)
	doctors.GET("/calls/pending", h.ListPending)
	doctors.POST("/calls/:id/accept", h.Accept)

	patients := g.Group("", auth.RequireRole(auth.RolePatient))
	patients.POST("/calls", h.Request)
	patients.POST("/calls/:id/cancel", h.Cancel)

	participants := g.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	participants.GET("/calls/:id", h.Get)
	participants.POST("/calls/:id/video", h.StartVideo)
	participants.POST("/calls/:id/end", h.End)
	participants.POST("/calls/:id/chat", h.Chat)
	participants.POST("/calls/:id/signal", h.Signal)
}

type availabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

type chatRequest struct {
	Message string `json:"message" validate:"required,min=1,max=1000"`
}

type signalRequest struct {
	Kind    string          `json:"kind" validate:"required,oneof=session-offer session-answer network-candidate"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrAlreadyTaken), errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func (h *Handler) bindValid(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if err := h.validate.Struct(v); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return nil
}

func callID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid call id")
	}
	return id, nil
}

// actorAndCall resolves the caller and the :id path parameter.
func actorAndCall(c echo.Context) (auth.Actor, uuid.UUID, error) {
	actor, err := auth.MustActor(c)
	if err != nil {
		return auth.Actor{}, uuid.Nil, err
	}
	id, err := callID(c)
	return actor, id, err
}

func (h *Handler) SetAvailability(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var req availabilityRequest
	if err := h.bindValid(c, &req); err != nil {
		return err
	}
	if err := h.svc.SetAvailability(c.Request().Context(), actor, *req.Available); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"available": *req.Available})
}

func (h *Handler) GetAvailability(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	ok, err := h.svc.Availability(c.Request().Context(), actor)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"available": ok})
}

func (h *Handler) Request(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var req RequestInput
	if err := h.bindValid(c, &req); err != nil {
		return err
	}
	call, err := h.svc.Request(c.Request().Context(), actor, req)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, call)
}

func (h *Handler) ListPending(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	calls, err := h.svc.ListPending(c.Request().Context(), actor)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": calls, "total": len(calls)})
}

func (h *Handler) Get(c echo.Context) error {
	actor, id, err := actorAndCall(c)
	if err != nil {
		return err
	}
	call, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) Accept(c echo.Context) error {
	actor, id, err := actorAndCall(c)
	if err != nil {
		return err
	}
	call, err := h.svc.Accept(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, id, err := actorAndCall(c)
	if err != nil {
		return err
	}
	call, err := h.svc.Cancel(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) StartVideo(c echo.Context) error {
	actor, id, err := actorAndCall(c)
	if err != nil {
		return err
	}
	call, err := h.svc.StartVideo(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) End(c echo.Context) error {
	actor, id, err := actorAndCall(c)
	if err != nil {
		return err
	}
	var req EndInput
	if c.Request().ContentLength != 0 {
		if err := h.bindValid(c, &req); err != nil {
			return err
		}
	}
	call, err := h.svc.End(c.Request().Context(), actor, id, req)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) Chat(c echo.Context) error {
	actor, id, err := actorAndCall(c)
	if err != nil {
		return err
	}
	var req chatRequest
	if err := h.bindValid(c, &req); err != nil {
		return err
	}
	msg, err := h.svc.Chat(c.Request().Context(), actor, id, req.Message)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *Handler) Signal(c echo.Context) error {
	actor, id, err := actorAndCall(c)
	if err != nil {
		return err
	}
	var req signalRequest
	if err := h.bindValid(c, &req); err != nil {
		return err
	}
	if err := h.relay.Forward(c.Request().Context(), actor, id, req.Kind, req.Payload); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusAccepted)
}
