// README: Provider-facing offer handlers (pending list, accept, decline).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bookd/internal/modules/dispatch"
	"bookd/internal/types"
)

type OfferHandler struct {
	dispatch *dispatch.Coordinator
}

func NewOfferHandler(coord *dispatch.Coordinator) *OfferHandler {
	return &OfferHandler{dispatch: coord}
}

type respondReq struct {
	ProviderID string `json:"provider_id"`
	Reason     string `json:"reason"`
}

func (h *OfferHandler) Pending(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid provider id")
		return
	}
	offers, err := h.dispatch.PendingOffers(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"offers": toOfferResponses(offers)})
}

func (h *OfferHandler) Accept(c *gin.Context) {
	offerID, req, ok := bindResponse(c)
	if !ok {
		return
	}
	if err := h.dispatch.Accept(c.Request.Context(), offerID, types.ID(req.ProviderID)); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"assignment_id": offerID, "status": "accepted"})
}

func (h *OfferHandler) Decline(c *gin.Context) {
	offerID, req, ok := bindResponse(c)
	if !ok {
		return
	}
	if err := h.dispatch.Decline(c.Request.Context(), offerID, types.ID(req.ProviderID), req.Reason); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"assignment_id": offerID, "status": "declined"})
}

func bindResponse(c *gin.Context) (types.ID, respondReq, bool) {
	var req respondReq
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid offer id")
		return "", req, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return "", req, false
	}
	if !isValidID(req.ProviderID) {
		writeError(c, http.StatusBadRequest, "missing provider_id")
		return "", req, false
	}
	return types.ID(id), req, true
}
