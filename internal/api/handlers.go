package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/giftledger/internal/domain"
	"github.com/punchamoorthee/giftledger/internal/service"
	"github.com/punchamoorthee/giftledger/internal/store"
	"github.com/punchamoorthee/giftledger/internal/webhook"
	"go.uber.org/zap"
)

// maxWebhookBody matches the processor's documented upper bound for event payloads.
const maxWebhookBody = 65536

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "giftledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

var validate = validator.New()

type Handler struct {
	dispatcher    *webhook.Dispatcher
	donations     *service.DonationService
	subscriptions *service.SubscriptionService
	giftAid       *service.GiftAidService
	organizations *service.OrganizationService
	campaigns     store.CampaignAggregates
	logger        *zap.Logger
}

func NewHandler(
	dispatcher *webhook.Dispatcher,
	donations *service.DonationService,
	subscriptions *service.SubscriptionService,
	giftAid *service.GiftAidService,
	organizations *service.OrganizationService,
	campaigns store.CampaignAggregates,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		dispatcher:    dispatcher,
		donations:     donations,
		subscriptions: subscriptions,
		giftAid:       giftAid,
		organizations: organizations,
		campaigns:     campaigns,
		logger:        logger,
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/webhooks/stripe"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.fail(w, http.StatusBadRequest, "Unreadable request body", method, endpoint)
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			h.fail(w, http.StatusBadRequest, "Invalid signature", method, endpoint)
		case errors.Is(err, webhook.ErrMalformedEvent):
			h.fail(w, http.StatusBadRequest, "Malformed event", method, endpoint)
		case errors.Is(err, webhook.ErrEventInFlight):
			h.fail(w, http.StatusConflict, "Event processing in progress", method, endpoint)
		default:
			loggerFrom(r, h.logger).Error("webhook processing failed", zap.Error(err))
			h.fail(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
		}
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"received": true,
		"eventId":  res.EventID,
		"outcome":  res.Outcome,
	}, method, endpoint)
}

func (h *Handler) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/subscriptions"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req service.RecurringDonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}

	sub, err := h.subscriptions.CreateRecurringDonation(r.Context(), req)
	if err != nil {
		h.failErr(w, r, err, method, endpoint)
		return
	}

	loggerFrom(r, h.logger).Info("recurring donation requested",
		zap.String("subject", Subject(r.Context())),
		zap.String("subscription_id", sub.ID),
	)
	w.Header().Set("Location", "/api/v1/subscriptions/"+sub.ID)
	h.respond(w, http.StatusCreated, sub, method, endpoint)
}

type cancelRequest struct {
	AtPeriodEnd bool `json:"atPeriodEnd"`
}

func (h *Handler) CancelSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/subscriptions/{id}/cancel"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}

	sub, err := h.subscriptions.Cancel(r.Context(), mux.Vars(r)["id"], req.AtPeriodEnd)
	if err != nil {
		h.failErr(w, r, err, method, endpoint)
		return
	}
	h.respond(w, http.StatusOK, sub, method, endpoint)
}

type accountLinkRequest struct {
	RefreshURL string `json:"refreshUrl" validate:"required,url"`
	ReturnURL  string `json:"returnUrl" validate:"required,url"`
}

func (h *Handler) CreateAccountLinkHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/organizations/{id}/account-links"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req accountLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.fail(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
		return
	}

	url, err := h.organizations.OnboardingLink(r.Context(), mux.Vars(r)["id"], req.RefreshURL, req.ReturnURL)
	if err != nil {
		h.failErr(w, r, err, method, endpoint)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"url": url}, method, endpoint)
}

func (h *Handler) GetDonationHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/donations/{id}"
	d, err := h.donations.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.failErr(w, r, err, method, endpoint)
		return
	}
	h.respond(w, http.StatusOK, d, method, endpoint)
}

func (h *Handler) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/subscriptions/{id}"
	sub, err := h.subscriptions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.failErr(w, r, err, method, endpoint)
		return
	}
	h.respond(w, http.StatusOK, sub, method, endpoint)
}

func (h *Handler) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/campaigns/{id}"
	c, err := h.campaigns.GetCampaign(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.failErr(w, r, err, method, endpoint)
		return
	}
	h.respond(w, http.StatusOK, c, method, endpoint)
}

func (h *Handler) GetDeclarationHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/gift-aid/{id}"
	decl, err := h.giftAid.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.failErr(w, r, err, method, endpoint)
		return
	}
	h.respond(w, http.StatusOK, decl, method, endpoint)
}

func (h *Handler) UpdateDeclarationDonorHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "PUT", "/gift-aid/{id}/donor"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var donor domain.GiftAidDonor
	if err := json.NewDecoder(r.Body).Decode(&donor); err != nil {
		h.fail(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}

	decl, err := h.giftAid.UpdateDonor(r.Context(), mux.Vars(r)["id"], donor)
	if err != nil {
		h.failErr(w, r, err, method, endpoint)
		return
	}
	h.respond(w, http.StatusOK, decl, method, endpoint)
}

type declarationStatusRequest struct {
	Status domain.DeclarationStatus `json:"status" validate:"required"`
}

func (h *Handler) UpdateDeclarationStatusHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "PUT", "/gift-aid/{id}/status"

	var req declarationStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.fail(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
		return
	}

	decl, err := h.giftAid.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		h.failErr(w, r, err, method, endpoint)
		return
	}
	h.respond(w, http.StatusOK, decl, method, endpoint)
}

// failErr maps service and store errors onto HTTP status codes.
func (h *Handler) failErr(w http.ResponseWriter, r *http.Request, err error, method, endpoint string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.fail(w, http.StatusNotFound, "Not found", method, endpoint)
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, store.ErrMissingID):
		h.fail(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, store.ErrSubscriptionCanceled):
		h.fail(w, http.StatusConflict, "Subscription is canceled", method, endpoint)
	case errors.Is(err, service.ErrProcessorFailure):
		loggerFrom(r, h.logger).Warn("payment processor call failed", zap.String("endpoint", endpoint), zap.Error(err))
		h.fail(w, http.StatusBadGateway, "Payment processor unavailable", method, endpoint)
	default:
		loggerFrom(r, h.logger).Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
		h.fail(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	}
}

func (h *Handler) fail(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respond(w, code, map[string]string{"error": msg}, method, endpoint)
}

func (h *Handler) respond(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
