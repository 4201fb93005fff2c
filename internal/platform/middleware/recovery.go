package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phonesync/internal/platform/fhir"
)

// Recovery keeps a panicking reconcile or normalize request from taking the
// server down. The panic and its stack are logged under the request id, and
// the client gets a 500 OperationOutcome that names the same id so the two
// can be matched up. Nothing is written when the handler already started
// the response.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				rid := requestID(c)
				req := c.Request()

				evt := logger.Error().
					Str("request_id", rid).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Bytes("stack", debug.Stack())
				if perr, ok := r.(error); ok {
					evt = evt.Err(perr)
				} else {
					evt = evt.Str("panic", fmt.Sprint(r))
				}
				evt.Msg("panic recovered")

				if c.Response().Committed {
					err = nil
					return
				}
				msg := "internal server error"
				if rid != "" {
					msg += " (request " + rid + ")"
				}
				err = c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(msg))
			}()
			return next(c)
		}
	}
}
