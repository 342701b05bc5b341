package enrichment

import (
	"context"

	"github.com/rs/zerolog/log"

	"lendgate/internal/broker"
	"lendgate/internal/telemetry"
)

// HandlePoll is the enrichments-queue worker. Each job is one poll attempt
// against the provider's insights job endpoint; continuation is an explicit
// re-enqueue with the attempt counter bumped, never a broker retry, so the
// attempt cap in the payload stays the single source of truth.
func (s *Service) HandlePoll(ctx context.Context, job broker.Job) error {
	accountID, _ := job.Payload["bank_account_id"].(string)
	providerAccountID, _ := job.Payload["provider_account_id"].(string)
	insightsJobID, _ := job.Payload["job_id"].(string)
	apiKey, _ := job.Payload["api_key"].(string)
	attempt := asInt(job.Payload["poll_attempt"])

	if accountID == "" || providerAccountID == "" || insightsJobID == "" || apiKey == "" {
		log.Error().Str("job_id", job.ID).Msg("poll job missing required fields, dropping")
		return nil
	}

	telemetry.PollAttempts.Inc()

	// Cap check comes before the provider call: an exhausted job must not
	// spend another request.
	if attempt >= s.maxPollAttempts {
		log.Warn().
			Str("provider_account_id", providerAccountID).
			Str("insights_job_id", insightsJobID).
			Int("attempts", attempt).
			Msg("insights job exceeded poll budget, failing enrichment")
		return s.failAccount(ctx, accountID, providerAccountID, "poll_timeout",
			"Statement insights did not complete in time. Ask the applicant to re-link the account.")
	}

	record, err := s.provider.PollInsightsJob(ctx, insightsJobID, apiKey)
	if err != nil {
		// Transient transport trouble burns an attempt but is not a verdict.
		log.Warn().Err(err).
			Str("insights_job_id", insightsJobID).
			Int("attempt", attempt).
			Msg("insights poll failed, rescheduling")
		return s.requeuePoll(ctx, job, attempt+1)
	}

	switch {
	case record.Succeeded():
		if err := s.store.StoreStatementInsights(ctx, accountID, record.Data); err != nil {
			return err
		}
		log.Info().Str("provider_account_id", providerAccountID).Str("insights_job_id", insightsJobID).Msg("statement insights stored")
		return s.checkAndFireReady(ctx, providerAccountID)

	case record.Failed():
		log.Warn().
			Str("provider_account_id", providerAccountID).
			Str("insights_job_id", insightsJobID).
			Str("status", record.Status).
			Msg("provider reported insights job failure")
		return s.failAccount(ctx, accountID, providerAccountID, "provider_failed",
			"The provider could not analyze this account's statements.")

	default:
		log.Debug().
			Str("insights_job_id", insightsJobID).
			Str("status", record.Status).
			Int("attempt", attempt).
			Msg("insights job still running")
		return s.requeuePoll(ctx, job, attempt+1)
	}
}

func (s *Service) requeuePoll(ctx context.Context, job broker.Job, nextAttempt int) error {
	payload := make(map[string]any, len(job.Payload))
	for k, v := range job.Payload {
		payload[k] = v
	}
	payload["poll_attempt"] = nextAttempt

	if _, err := s.jobs.Enqueue(ctx, Queue, PollJob, payload, broker.Options{Delay: s.pollInterval}); err != nil {
		return err
	}
	telemetry.JobsEnqueued.WithLabelValues(Queue).Inc()
	return nil
}

// asInt tolerates the float64 that JSON round-tripping turns numbers into.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
