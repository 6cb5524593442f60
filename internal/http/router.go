// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bookd/internal/http/handlers"
	"bookd/internal/http/middleware"
	"bookd/internal/modules/booking"
	"bookd/internal/modules/dispatch"
)

type RouterDeps struct {
	Bookings  *booking.Service
	Dispatch  *dispatch.Coordinator
	Providers handlers.ProviderUpdater
}

func NewRouter(deps RouterDeps, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	bookingHandler := handlers.NewBookingHandler(deps.Bookings, deps.Dispatch)
	r.POST("/api/bookings", bookingHandler.Create)
	r.GET("/api/bookings/:id", bookingHandler.Get)
	r.POST("/api/bookings/:id/dispatch", bookingHandler.Dispatch)
	r.POST("/api/bookings/:id/cancel", bookingHandler.Cancel)
	r.POST("/api/bookings/:id/confirm", bookingHandler.Confirm)
	r.POST("/api/bookings/:id/reopen", bookingHandler.Reopen)

	offerHandler := handlers.NewOfferHandler(deps.Dispatch)
	r.GET("/api/providers/:id/offers", offerHandler.Pending)
	r.POST("/api/offers/:id/accept", offerHandler.Accept)
	r.POST("/api/offers/:id/decline", offerHandler.Decline)

	providerHandler := handlers.NewProviderHandler(deps.Providers)
	r.PUT("/api/providers/:id/location", providerHandler.UpdateLocation)
	r.PUT("/api/providers/:id/devices", providerHandler.RegisterDevice)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	return r
}
