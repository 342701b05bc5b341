package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"lendgate/internal/application"
	"lendgate/internal/broker"
	"lendgate/internal/config"
	"lendgate/internal/enrichment"
	"lendgate/internal/models"
	"lendgate/internal/progress"
	"lendgate/internal/ratelimit"
	"lendgate/internal/store"
	"lendgate/internal/telemetry"
)

// Store is the slice of the relational store the HTTP surface uses.
type Store interface {
	ApplicationByID(ctx context.Context, id string) (store.ApplicationContext, error)
	MarkApplicationProcessing(ctx context.Context, id string) (bool, error)
	ResetApplicationToPending(ctx context.Context, id string) (bool, error)
	DeliveryByID(ctx context.Context, id string) (models.WebhookDelivery, error)
}

// Server wires the HTTP surface: provider webhook intake, application
// submission, the live progress stream, and operational lookups.
type Server struct {
	cfg     config.Config
	store   Store
	enrich  *enrichment.Service
	jobs    *broker.RedisBroker
	hub     *progress.Hub
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st Store, enrich *enrichment.Service, jobs *broker.RedisBroker, hub *progress.Hub, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		enrich:  enrich,
		jobs:    jobs,
		hub:     hub,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Signature"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/provider/webhooks", s.handleProviderWebhook)
	r.Post("/v1/applications/{id}/analyze", s.handleAnalyze)
	r.Get("/v1/events", s.handleEvents)
	r.Get("/v1/deliveries/{id}", s.handleGetDelivery)
	r.Get("/v1/queues/dead", s.handleDeadQueue)
	return r
}

// providerWebhook is the inbound event envelope from the enrichment provider.
type providerWebhook struct {
	Event string `json:"event"`
	Data  struct {
		AccountID   string          `json:"account_id"`
		ApplicantID string          `json:"applicant_id"`
		Income      json.RawMessage `json:"income"`
		Account     struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			AccountNumber string `json:"account_number"`
			Institution   string `json:"institution"`
			Balance       int64  `json:"balance"`
		} `json:"account"`
	} `json:"data"`
}

// handleProviderWebhook routes provider events to the enrichment service.
// Unknown event types are acknowledged and dropped; a 5xx here makes the
// provider redeliver, so only genuine processing errors return one.
func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:provider-webhooks")
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var hook providerWebhook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var err error
	switch hook.Event {
	case "account.linked", "account.updated":
		accountID := hook.Data.Account.ID
		if accountID == "" {
			accountID = hook.Data.AccountID
		}
		err = s.enrich.HandleAccountLinked(r.Context(), enrichment.LinkEvent{
			ProviderAccountID: accountID,
			ApplicantID:       hook.Data.ApplicantID,
			AccountName:       hook.Data.Account.Name,
			AccountNumber:     hook.Data.Account.AccountNumber,
			Institution:       hook.Data.Account.Institution,
			Balance:           hook.Data.Account.Balance,
		})
	case "account.income":
		err = s.enrich.HandleIncome(r.Context(), enrichment.IncomeEvent{
			ProviderAccountID: hook.Data.AccountID,
			Income:            hook.Data.Income,
		})
	case "account.reauthorised":
		err = s.enrich.HandleReauthorised(r.Context(), hook.Data.AccountID)
	default:
		log.Info().Str("event", hook.Event).Msg("unhandled provider event, acknowledging")
	}
	if err != nil {
		log.Error().Err(err).Str("event", hook.Event).Msg("provider webhook processing failed")
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

type analyzeRequest struct {
	ClientID string `json:"client_id"`
}

// handleAnalyze accepts a loan application for asynchronous processing. The
// PENDING->PROCESSING transition is conditional, so a double submit gets a
// 409 instead of a second scoring run.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req analyzeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	if _, err := s.store.ApplicationByID(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "application not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	accepted, err := s.store.MarkApplicationProcessing(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !accepted {
		http.Error(w, "application already processing or settled", http.StatusConflict)
		return
	}

	if _, err := s.jobs.Enqueue(r.Context(), application.Queue, application.ProcessJob, map[string]any{
		"application_id": id,
		"client_id":      req.ClientID,
	}, broker.Options{MaxAttempts: s.cfg.MaxAttempts}); err != nil {
		// Release the claim or the application is stuck in PROCESSING with no
		// worker job to ever settle it, and every resubmission gets a 409.
		if _, resetErr := s.store.ResetApplicationToPending(r.Context(), id); resetErr != nil {
			log.Error().Err(resetErr).Str("application_id", id).Msg("failed to release application claim after enqueue error")
		}
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.WithLabelValues(application.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"application_id": id,
		"status":         "PROCESSING",
	})
}

// handleEvents is the live progress stream, delivered as server-sent events.
// It is advisory only: a dropped connection misses events and that is fine,
// the decision webhook carries the durable outcome.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.hub.Subscribe(clientID)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-events:
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, ev.Data)
			flusher.Flush()
		}
	}
}

// handleGetDelivery exposes one delivery ledger row for support tooling.
func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	delivery, err := s.store.DeliveryByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "delivery not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

// handleDeadQueue returns the most recent dead-lettered jobs.
func (s *Server) handleDeadQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.jobs.DeadPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
