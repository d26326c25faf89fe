package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

const panicStackSize = 8 << 10

// Recovery turns a handler panic into a 500 and logs it with the route and
// the authenticated actor, if any. http.ErrAbortHandler is re-raised so the
// server can drop the connection silently.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				buf := make([]byte, panicStackSize)
				buf = buf[:runtime.Stack(buf, false)]

				ev := logger.Error().
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("path", c.Request().URL.Path).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", buf)
				if rid, ok := c.Get("request_id").(string); ok {
					ev = ev.Str("request_id", rid)
				}
				if actor, ok := auth.ActorFromContext(c.Request().Context()); ok {
					ev = ev.Str("actor_id", actor.ID.String()).Str("actor_role", string(actor.Role))
				}
				ev.Msg("handler panic")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
