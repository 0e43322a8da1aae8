package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"api-broker/internal/middleware"
	"api-broker/internal/model"
	"api-broker/internal/service"
	"api-broker/internal/signature"
)

// ProxyHandler serves POST /proxy.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle reads the signed descriptor, runs the pipeline and answers with an
// envelope. An oversized body is refused before the signature is looked at.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	limit := h.service.MaxBodyBytes()

	if req.ContentLength > limit {
		return h.fail(c, tooLarge(limit))
	}
	raw, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		return h.fail(c, model.NewError(model.KindRequest, "could not read request body", err))
	}
	if int64(len(raw)) > limit {
		return h.fail(c, tooLarge(limit))
	}

	env, err := h.service.Forward(req.Context(), middleware.GetRequestID(c), raw, req.Header.Get(signature.Header))
	if err != nil {
		return h.fail(c, model.AsError(err))
	}
	return c.JSON(http.StatusOK, env)
}

func (h *ProxyHandler) fail(c echo.Context, e *model.Error) error {
	if e.Kind == model.KindInternal {
		h.logger.Error("proxy request failed",
			"request_id", middleware.GetRequestID(c),
			"err", e,
		)
	}
	c.Set(middleware.ErrorTypeKey, string(e.Kind))
	return c.JSON(e.Status, e.Envelope())
}

func tooLarge(limit int64) *model.Error {
	return model.NewError(model.KindTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit), nil)
}
