package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter wires the public routes. Processor webhooks are authenticated by signature;
// everything under /api/v1 sits behind RequireJWT.
func NewRouter(h *Handler, jwtSecret string, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogger(logger))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")
	r.HandleFunc("/webhooks/stripe", h.StripeWebhookHandler).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(RequireJWT(jwtSecret))
	apiV1.HandleFunc("/subscriptions", h.CreateSubscriptionHandler).Methods("POST")
	apiV1.HandleFunc("/subscriptions/{id}", h.GetSubscriptionHandler).Methods("GET")
	apiV1.HandleFunc("/subscriptions/{id}/cancel", h.CancelSubscriptionHandler).Methods("POST")
	apiV1.HandleFunc("/organizations/{id}/account-links", h.CreateAccountLinkHandler).Methods("POST")
	apiV1.HandleFunc("/donations/{id}", h.GetDonationHandler).Methods("GET")
	apiV1.HandleFunc("/campaigns/{id}", h.GetCampaignHandler).Methods("GET")
	apiV1.HandleFunc("/gift-aid/{id}", h.GetDeclarationHandler).Methods("GET")
	apiV1.HandleFunc("/gift-aid/{id}/donor", h.UpdateDeclarationDonorHandler).Methods("PUT")
	apiV1.HandleFunc("/gift-aid/{id}/status", h.UpdateDeclarationStatusHandler).Methods("PUT")

	return r
}
