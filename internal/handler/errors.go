package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"api-broker/internal/middleware"
	"api-broker/internal/model"
)

// NewErrorHandler returns the central echo error handler. Unknown routes and
// methods get the fixed not-found envelope; anything unexpected gets a
// generic internal error. Error details are logged, never sent.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		e := classifyHTTPError(err)
		if e.Kind == model.KindInternal {
			logger.Error("unhandled error",
				"err", err,
				"path", c.Request().URL.Path,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
		}
		c.Set(middleware.ErrorTypeKey, string(e.Kind))

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(e.Status)
			return
		}
		_ = c.JSON(e.Status, e.Envelope())
	}
}

func classifyHTTPError(err error) *model.Error {
	var me *model.Error
	if errors.As(err, &me) {
		return me
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		return model.NewError(model.KindInternal, "internal error", err)
	}
	switch {
	case he.Code == http.StatusNotFound, he.Code == http.StatusMethodNotAllowed:
		return model.NewError(model.KindNotFound, "not found", nil)
	case he.Code == http.StatusRequestEntityTooLarge:
		return model.NewError(model.KindTooLarge, "request body too large", nil)
	case he.Code >= 400 && he.Code < 500:
		return &model.Error{Kind: model.KindRequest, Status: he.Code, Message: http.StatusText(he.Code)}
	default:
		return model.NewError(model.KindInternal, "internal error", err)
	}
}
