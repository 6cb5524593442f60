// README: Provider self-service handlers: location (kept in step with the GEO index) and FCM device registration.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bookd/internal/types"
)

type ProviderUpdater interface {
	UpdateLocation(ctx context.Context, id types.ID, p types.Point) error
	RegisterDevice(ctx context.Context, id types.ID, token string) error
}

type ProviderHandler struct {
	providers ProviderUpdater
}

func NewProviderHandler(providers ProviderUpdater) *ProviderHandler {
	return &ProviderHandler{providers: providers}
}

type locationReq struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (h *ProviderHandler) UpdateLocation(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid provider id")
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "lat and lng required")
		return
	}
	if *req.Lat < -90 || *req.Lat > 90 || *req.Lng < -180 || *req.Lng > 180 {
		writeError(c, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if err := h.providers.UpdateLocation(c.Request.Context(), types.ID(id), types.Point{Lat: *req.Lat, Lng: *req.Lng}); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}

type deviceReq struct {
	FCMToken string `json:"fcm_token"`
}

// RegisterDevice records the FCM token offers are pushed to.
func (h *ProviderHandler) RegisterDevice(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid provider id")
		return
	}
	var req deviceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	token := strings.TrimSpace(req.FCMToken)
	if token == "" || len(token) > 4096 {
		writeError(c, http.StatusBadRequest, "fcm_token required")
		return
	}
	if err := h.providers.RegisterDevice(c.Request.Context(), types.ID(id), token); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "registered"})
}
