// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bookd/internal/infra"
	"bookd/internal/modules/assignment"
	"bookd/internal/modules/booking"
	"bookd/internal/modules/dispatch"
	"bookd/internal/modules/matching"
	"bookd/internal/modules/provider"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the uuid and slug ids used across the system.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeDispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, booking.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, assignment.ErrNotFound), errors.Is(err, provider.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, assignment.ErrWrongProvider):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, assignment.ErrConflict), errors.Is(err, assignment.ErrInvalidState),
		errors.Is(err, assignment.ErrOfferExpired), errors.Is(err, booking.ErrConflict),
		errors.Is(err, booking.ErrInvalidState), errors.Is(err, dispatch.ErrBookingClosed):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, matching.ErrNoCandidates), errors.Is(err, dispatch.ErrExhausted):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, infra.ErrStoreUnavailable), errors.Is(err, dispatch.ErrLockTimeout):
		writeError(c, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

type offerResponse struct {
	ID          string     `json:"assignment_id"`
	BookingID   string     `json:"booking_id"`
	ProviderID  string     `json:"provider_id"`
	Status      string     `json:"status"`
	Score       float64    `json:"score"`
	Round       int        `json:"round"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

func toOfferResponse(a *assignment.Assignment) offerResponse {
	return offerResponse{
		ID:          string(a.ID),
		BookingID:   string(a.BookingID),
		ProviderID:  string(a.ProviderID),
		Status:      string(a.Status),
		Score:       a.Score,
		Round:       a.Round,
		NotifiedAt:  a.NotifiedAt,
		ExpiresAt:   a.ExpiresAt,
		RespondedAt: a.RespondedAt,
		Reason:      a.Reason,
	}
}

func toOfferResponses(as []*assignment.Assignment) []offerResponse {
	out := make([]offerResponse, 0, len(as))
	for _, a := range as {
		out = append(out, toOfferResponse(a))
	}
	return out
}
