package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"api-broker/internal/service"
)

// VarsHandler serves GET /vars from the active config's template_vars.
type VarsHandler struct {
	store *service.Store
}

// NewVarsHandler creates a VarsHandler.
func NewVarsHandler(store *service.Store) *VarsHandler {
	return &VarsHandler{store: store}
}

// Get returns the configured template variables as a JSON object.
func (h *VarsHandler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.Current().Config.TemplateVars)
}
