package appointment

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carequeue/carequeue/internal/platform/auth"
	"github.com/carequeue/carequeue/pkg/pagination"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service, validate *validator.Validate) *Handler {
	return &Handler{svc: svc, validate: validate}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patients := api.Group("", auth.RequireRole(auth.RolePatient))
	patients.POST("/appointments", h.Book)
	patients.GET("/appointments", h.ListMine)

	members := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleHospitalAdmin))
	members.GET("/appointments/:id", h.Get)
	members.GET("/appointments/:id/position", h.Position)
	members.POST("/appointments/:id/cancel", h.Cancel)

	doctors := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctors.POST("/appointments/:id/start", h.Start)
	doctors.POST("/appointments/:id/complete", h.Complete)

	staff := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleHospitalAdmin))
	staff.GET("/doctors/:id/queue", h.Queue)
}

type bookRequest struct {
	DoctorID string `json:"doctorId" validate:"required,uuid"`
	Date     string `json:"appointmentDate" validate:"required,datetime=2006-01-02"`
	Time     string `json:"appointmentTime" validate:"required,datetime=15:04"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// mapError translates domain errors into HTTP errors.
func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrQueueFull), errors.Is(err, ErrTokenConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrDateInPast):
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

func paramID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) Book(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var req bookRequest
	if err := h.bindValid(c, &req); err != nil {
		return err
	}
	date, err := h.svc.ParseDate(req.Date)
	if err != nil {
		return mapError(err)
	}
	a, err := h.svc.Book(c.Request().Context(), actor, uuid.MustParse(req.DoctorID), date, req.Time)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListMine(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForPatient(c.Request().Context(), actor, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Position(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.Position(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Start(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.Start(c.Request().Context(), actor, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Complete(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var notes CompletionNotes
	if c.Request().ContentLength != 0 {
		if err := h.bindValid(c, &notes); err != nil {
			return err
		}
	}
	a, err := h.svc.Complete(c.Request().Context(), actor, id, notes)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if c.Request().ContentLength != 0 {
		if err := h.bindValid(c, &req); err != nil {
			return err
		}
	}
	a, err := h.svc.Cancel(c.Request().Context(), actor, id, req.Reason)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Queue(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	doctorID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	date := h.svc.Today()
	if raw := c.QueryParam("date"); raw != "" {
		if date, err = h.svc.ParseDate(raw); err != nil {
			return mapError(err)
		}
	}
	q, err := h.svc.Queue(c.Request().Context(), actor, doctorID, date)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, q)
}
