package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/washmart/internal/middleware"
	"github.com/mmeshcher/washmart/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса washmart.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/session", h.CreateSession)
		r.Post("/payments/stripe/webhook", h.StripeWebhook)

		r.Get("/shops/{shopID}", h.GetShop)
		r.Get("/shops/{shopID}/reviews", h.ListReviews)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/orders/{orderID}", h.GetOrder)
			r.Post("/orders/{orderID}/cancel", h.CancelOrder)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleCustomer))

				r.Post("/quote", h.Quote)
				r.Post("/orders", h.CreateOrder)
				r.Get("/orders", h.ListOrders)
				r.Post("/orders/{orderID}/review", h.SubmitReview)

				r.Get("/user", h.GetUser)
				r.Put("/user", h.UpdateUser)
				r.Get("/user/balance", h.GetBalance)
			})

			r.Route("/shop", func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleShop))

				r.Post("/", h.RegisterShop)
				r.Put("/", h.UpdateShop)
				r.Put("/services", h.SetServices)
				r.Put("/promotion", h.SetPromotion)
				r.Delete("/promotion", h.ClearPromotion)
				r.Get("/riders", h.ListRiders)
				r.Post("/riders", h.AddRider)
				r.Put("/riders/{riderID}", h.UpdateRider)
				r.Delete("/riders/{riderID}", h.RemoveRider)
				r.Get("/orders", h.ListShopOrders)
				r.Post("/orders/{orderID}/status", h.UpdateOrderStatus)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
