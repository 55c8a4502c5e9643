// README: Shelter listing with live occupancy.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"refuge/internal/modules/shelter"
)

type ShelterLister interface {
	ListActive(ctx context.Context) ([]shelter.Shelter, error)
}

type ShelterHandler struct {
	shelters ShelterLister
}

func NewShelterHandler(shelters ShelterLister) *ShelterHandler {
	return &ShelterHandler{shelters: shelters}
}

type shelterView struct {
	shelter.Shelter
	Remaining int `json:"remaining"`
}

func (h *ShelterHandler) List(c *gin.Context) {
	list, err := h.shelters.ListActive(c.Request.Context())
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]shelterView, len(list))
	for i, s := range list {
		out[i] = shelterView{Shelter: s, Remaining: s.Remaining()}
	}
	writeJSON(c, http.StatusOK, map[string]any{"shelters": out})
}
