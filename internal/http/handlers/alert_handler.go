// README: Alert lifecycle handler: end or reopen an alert.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"refuge/internal/modules/alert"
	"refuge/internal/types"
)

// AlertStore resolves alerts and switches them on or off.
type AlertStore interface {
	alert.Source
	SetActive(ctx context.Context, id types.ID, active bool) (bool, error)
}

type AlertHandler struct {
	alerts AlertStore
}

func NewAlertHandler(alerts AlertStore) *AlertHandler {
	return &AlertHandler{alerts: alerts}
}

type alertActiveReq struct {
	Active *bool `json:"active"`
}

// SetActive ends or reopens an alert. Allocation requests under an ended alert
// are refused with 409.
func (h *AlertHandler) SetActive(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid alert id")
		return
	}
	var req alertActiveReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		writeError(c, http.StatusBadRequest, "missing active")
		return
	}

	ctx := c.Request.Context()
	found, err := h.alerts.SetActive(ctx, types.ID(id), *req.Active)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if !found {
		writeDomainError(c, alert.ErrNotFound)
		return
	}
	a, _, err := h.alerts.Get(ctx, types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}
