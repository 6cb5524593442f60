// README: Booking handlers for create/get and the dispatch lifecycle (dispatch, cancel, confirm, reopen).
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bookd/internal/modules/booking"
	"bookd/internal/modules/dispatch"
	"bookd/internal/types"
)

type BookingHandler struct {
	bookings *booking.Service
	dispatch *dispatch.Coordinator
}

func NewBookingHandler(bookings *booking.Service, coord *dispatch.Coordinator) *BookingHandler {
	return &BookingHandler{bookings: bookings, dispatch: coord}
}

type createBookingReq struct {
	CustomerID      string    `json:"customer_id"`
	ServiceID       string    `json:"service_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Address         string    `json:"address"`
	Lat             float64   `json:"lat"`
	Lng             float64   `json:"lng"`
	PriceAmount     int64     `json:"price_amount"`
	Currency        string    `json:"currency"`
	// Dispatch starts matching right after creation.
	Dispatch bool `json:"dispatch"`
}

type bookingResponse struct {
	ID          string          `json:"booking_id"`
	Number      string          `json:"booking_number"`
	Status      string          `json:"status"`
	ServiceID   string          `json:"service_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ProviderID  *string         `json:"provider_id,omitempty"`
	Price       string          `json:"estimated_price,omitempty"`
	Offers      []offerResponse `json:"offers,omitempty"`
}

func toBookingResponse(b *booking.Booking) bookingResponse {
	resp := bookingResponse{
		ID:          string(b.ID),
		Number:      b.Number,
		Status:      string(b.Status),
		ServiceID:   string(b.ServiceID),
		ScheduledAt: b.ScheduledAt,
	}
	if !b.EstimatedPrice.IsZero() {
		resp.Price = b.EstimatedPrice.String()
	}
	if b.ProviderID != nil {
		p := string(*b.ProviderID)
		resp.ProviderID = &p
	}
	return resp
}

func (h *BookingHandler) Create(c *gin.Context) {
	var req createBookingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	b, err := h.bookings.Create(c.Request.Context(), booking.CreateCommand{
		CustomerID:     types.ID(req.CustomerID),
		ServiceID:      types.ID(req.ServiceID),
		ScheduledAt:    req.ScheduledAt,
		Duration:       time.Duration(req.DurationMinutes) * time.Minute,
		Address:        req.Address,
		Location:       types.Point{Lat: req.Lat, Lng: req.Lng},
		EstimatedPrice: types.Money{Amount: req.PriceAmount, Currency: req.Currency},
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if req.Dispatch {
		if err := h.dispatch.Dispatch(c.Request.Context(), b.ID); err != nil {
			writeDispatchError(c, err)
			return
		}
		if b, err = h.bookings.Get(c.Request.Context(), b.ID); err != nil {
			writeDispatchError(c, err)
			return
		}
	}
	writeJSON(c, http.StatusCreated, toBookingResponse(b))
}

func (h *BookingHandler) Get(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	view, err := h.dispatch.Status(c.Request.Context(), id)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	resp := toBookingResponse(view.Booking)
	resp.Offers = toOfferResponses(view.Offers)
	writeJSON(c, http.StatusOK, resp)
}

func (h *BookingHandler) Dispatch(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	if err := h.dispatch.Dispatch(c.Request.Context(), id); err != nil {
		writeDispatchError(c, err)
		return
	}
	h.Get(c)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	if err := h.dispatch.Cancel(c.Request.Context(), id, req.Reason); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"booking_id": id, "status": booking.StatusCancelled})
}

func (h *BookingHandler) Confirm(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	if err := h.dispatch.Confirm(c.Request.Context(), id); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"booking_id": id, "status": booking.StatusConfirmed})
}

// Reopen puts an expired booking back into dispatch.
func (h *BookingHandler) Reopen(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	if err := h.bookings.Reopen(c.Request.Context(), id, "operator"); err != nil {
		writeDispatchError(c, err)
		return
	}
	h.Dispatch(c)
}

func bookingID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return "", false
	}
	return types.ID(id), true
}
