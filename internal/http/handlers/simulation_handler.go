// README: Bulk simulation endpoint.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"refuge/internal/modules/simulation"
)

type Simulator interface {
	Run(ctx context.Context, req simulation.Request) (simulation.Report, error)
}

type SimulationHandler struct {
	sim Simulator
}

func NewSimulationHandler(sim Simulator) *SimulationHandler {
	return &SimulationHandler{sim: sim}
}

func (h *SimulationHandler) Run(c *gin.Context) {
	var req simulation.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	report, err := h.sim.Run(c.Request.Context(), req)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}
