// README: Real-time allocation handlers: request a shelter under an alert, release it.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"refuge/internal/modules/alert"
	"refuge/internal/modules/allocation"
	"refuge/internal/types"
)

// Allocator is the orchestrator surface the handlers need.
type Allocator interface {
	Request(ctx context.Context, req allocation.Request) (allocation.Result, error)
	Release(ctx context.Context, userID types.ID) (bool, error)
}

type AllocationHandler struct {
	alerts    alert.Source
	allocator Allocator
}

func NewAllocationHandler(alerts alert.Source, allocator Allocator) *AllocationHandler {
	return &AllocationHandler{alerts: alerts, allocator: allocator}
}

type allocationReq struct {
	UserID      string   `json:"user_id"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Age         int      `json:"age"`
	DeviceToken string   `json:"device_token"`
}

// Create blocks until the request is resolved, by batch or by fallback.
// Failures to place the user are a 200 with success=false.
func (h *AllocationHandler) Create(c *gin.Context) {
	alertID := c.Param("id")
	if !isValidID(alertID) {
		writeError(c, http.StatusBadRequest, "invalid alert id")
		return
	}
	var req allocationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.UserID) {
		writeError(c, http.StatusBadRequest, "invalid user_id")
		return
	}
	if req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "missing lat/lng")
		return
	}
	loc := types.Point{Lat: *req.Lat, Lng: *req.Lng}
	if !loc.Valid() {
		writeError(c, http.StatusBadRequest, "coordinates out of range")
		return
	}

	ctx := c.Request.Context()
	a, err := alert.Resolve(ctx, h.alerts, types.ID(alertID))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	res, err := h.allocator.Request(ctx, allocation.Request{
		UserID:      types.ID(req.UserID),
		Location:    loc,
		Age:         req.Age,
		AlertID:     a.ID,
		Reference:   a.Center,
		DeviceToken: req.DeviceToken,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *AllocationHandler) Release(c *gin.Context) {
	userID := c.Param("user_id")
	if !isValidID(userID) {
		writeError(c, http.StatusBadRequest, "invalid user_id")
		return
	}
	released, err := h.allocator.Release(c.Request.Context(), types.ID(userID))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if !released {
		writeError(c, http.StatusNotFound, "no reservation for user")
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"released": true})
}
