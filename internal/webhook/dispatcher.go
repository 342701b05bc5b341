package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"lendgate/internal/broker"
	"lendgate/internal/models"
	"lendgate/internal/store"
	"lendgate/internal/telemetry"
)

// Queue and job names used on the broker.
const (
	Queue      = "webhooks"
	DeliverJob = "deliver-webhook"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the receiving fintech's API key.
const SignatureHeader = "X-Signature"

// Ledger is the slice of the store the dispatcher needs.
type Ledger interface {
	FintechByID(ctx context.Context, id string) (models.Fintech, error)
	CreateDelivery(ctx context.Context, fintechID, event string, payload json.RawMessage, webhookURL string) (models.WebhookDelivery, error)
	DeliveryByID(ctx context.Context, id string) (models.WebhookDelivery, error)
	RecordDeliveryAttempt(ctx context.Context, id string, delivered bool, statusCode int, errMsg string) error
}

// Enqueuer is the slice of the broker the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload map[string]any, opts broker.Options) (string, error)
}

// Dispatcher persists outbound events to the delivery ledger and hands them
// to the broker. Delivery itself runs on the webhooks queue with concurrency,
// so a slow receiver never blocks the pipeline.
type Dispatcher struct {
	ledger      Ledger
	jobs        Enqueuer
	client      *http.Client
	maxAttempts int
}

func NewDispatcher(ledger Ledger, jobs Enqueuer, timeout time.Duration, maxAttempts int) *Dispatcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		ledger:      ledger,
		jobs:        jobs,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
	}
}

// Dispatch records the event in the ledger and enqueues its delivery. A
// fintech with no registered webhook URL is a no-op, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, fintechID, event string, payload map[string]any) error {
	fintech, err := d.ledger.FintechByID(ctx, fintechID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("fintech_id", fintechID).Str("event", event).Msg("dispatch for unknown fintech, skipping")
			return nil
		}
		return fmt.Errorf("load fintech: %w", err)
	}
	if fintech.WebhookURL == "" {
		log.Info().Str("fintech_id", fintechID).Str("event", event).Msg("no webhook URL configured, skipping dispatch")
		return nil
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	delivery, err := d.ledger.CreateDelivery(ctx, fintechID, event, payloadJSON, fintech.WebhookURL)
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}

	if _, err := d.jobs.Enqueue(ctx, Queue, DeliverJob, map[string]any{"delivery_id": delivery.ID}, broker.Options{
		MaxAttempts: d.maxAttempts,
	}); err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}

	telemetry.JobsEnqueued.WithLabelValues(Queue).Inc()
	log.Info().Str("delivery_id", delivery.ID).Str("fintech_id", fintechID).Str("event", event).Msg("webhook delivery queued")
	return nil
}

// envelope is the canonical body POSTed to the client URL. Receivers verify
// the signature over these exact bytes.
type envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// HandleDelivery is the webhooks-queue worker. It performs one HTTP attempt,
// updates the ledger either way, and returns an error on non-2xx or transport
// failure so the broker's retry policy decides whether to try again.
func (d *Dispatcher) HandleDelivery(ctx context.Context, job broker.Job) error {
	deliveryID, _ := job.Payload["delivery_id"].(string)
	if deliveryID == "" {
		log.Error().Str("job_id", job.ID).Msg("delivery job missing delivery_id")
		return nil
	}

	delivery, err := d.ledger.DeliveryByID(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("delivery_id", deliveryID).Msg("delivery record not found")
			return nil
		}
		return fmt.Errorf("load delivery: %w", err)
	}

	fintech, err := d.ledger.FintechByID(ctx, delivery.FintechID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("delivery_id", deliveryID).Str("fintech_id", delivery.FintechID).Msg("fintech not found")
			return nil
		}
		return fmt.Errorf("load fintech: %w", err)
	}

	body, err := json.Marshal(envelope{
		Event:     delivery.Event,
		Data:      delivery.Payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(fintech.APIKey, body))

	resp, err := d.client.Do(req)
	if err != nil {
		if recordErr := d.ledger.RecordDeliveryAttempt(ctx, deliveryID, false, 0, err.Error()); recordErr != nil {
			log.Error().Err(recordErr).Str("delivery_id", deliveryID).Msg("failed to record delivery attempt")
		}
		telemetry.Deliveries.WithLabelValues("transport_error").Inc()
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	delivered := resp.StatusCode >= 200 && resp.StatusCode <= 299
	errMsg := ""
	if !delivered {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	if err := d.ledger.RecordDeliveryAttempt(ctx, deliveryID, delivered, resp.StatusCode, errMsg); err != nil {
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to record delivery attempt")
	}

	if !delivered {
		telemetry.Deliveries.WithLabelValues("failed").Inc()
		log.Warn().Str("delivery_id", deliveryID).Int("status_code", resp.StatusCode).Int("attempt", job.Attempts+1).Msg("webhook delivery failed, broker will retry")
		return fmt.Errorf("webhook delivery: HTTP %d", resp.StatusCode)
	}

	telemetry.Deliveries.WithLabelValues("delivered").Inc()
	log.Info().Str("delivery_id", deliveryID).Str("fintech_id", delivery.FintechID).Str("event", delivery.Event).Msg("webhook delivered")
	return nil
}

// Sign computes the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
