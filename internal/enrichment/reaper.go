package enrichment

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"lendgate/internal/broker"
	"lendgate/internal/telemetry"
)

// Reaper sweeps accounts stuck in PENDING past the staleness threshold and
// fails them so applicants are told to re-link instead of waiting forever.
// It runs as a repeating broker job with a stable ID, so any number of
// processes can call Register without stacking schedules.
type Reaper struct {
	store    Store
	notifier Notifier
	jobs     Enqueuer

	interval  time.Duration
	threshold time.Duration
	batchSize int
}

func NewReaper(st Store, nt Notifier, jobs Enqueuer, interval, threshold time.Duration) *Reaper {
	if interval == 0 {
		interval = 15 * time.Minute
	}
	if threshold == 0 {
		threshold = 20 * time.Minute
	}
	return &Reaper{
		store:     st,
		notifier:  nt,
		jobs:      jobs,
		interval:  interval,
		threshold: threshold,
		batchSize: 500,
	}
}

// Register installs the repeating sweep job. Safe to call at every startup.
func (r *Reaper) Register(ctx context.Context) error {
	_, err := r.jobs.Enqueue(ctx, CleanupQueue, ScanJob, nil, broker.Options{
		JobID:       CleanupJobID,
		RepeatEvery: r.interval,
	})
	if err != nil {
		return err
	}
	log.Info().Dur("interval", r.interval).Msg("stuck-enrichment sweep registered")
	return nil
}

// Handle performs one sweep. Each candidate is re-checked against the cutoff
// inside the conditional update, so an account whose enrichment completed
// between the scan and the write is left alone. Per-account failures are
// logged and the batch continues.
func (r *Reaper) Handle(ctx context.Context, job broker.Job) error {
	cutoff := time.Now().Add(-r.threshold)

	stuck, err := r.store.StuckAccounts(ctx, cutoff, r.batchSize)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		log.Debug().Msg("stuck-enrichment sweep found nothing")
		return nil
	}
	log.Info().Int("count", len(stuck)).Time("cutoff", cutoff).Msg("sweeping stuck enrichments")

	failed := 0
	for _, acct := range stuck {
		won, err := r.store.FailStuckAccount(ctx, acct.AccountID, cutoff)
		if err != nil {
			log.Error().Err(err).Str("account_id", acct.AccountID).Msg("failed to reap stuck account")
			continue
		}
		if !won {
			continue
		}
		failed++
		telemetry.EnrichmentsFailed.WithLabelValues("enrichment_timeout").Inc()

		if err := r.notifier.Dispatch(ctx, acct.FintechID, EventEnrichmentFailed, map[string]any{
			"account_id":          acct.AccountID,
			"provider_account_id": acct.ProviderAccountID,
			"applicant_id":        acct.ApplicantID,
			"reason":              "enrichment_timeout",
			"message":             "Account enrichment did not complete in time. Ask the applicant to re-link the account.",
		}); err != nil {
			log.Error().Err(err).Str("account_id", acct.AccountID).Msg("failed to dispatch timeout notification")
		}
	}

	log.Info().Int("scanned", len(stuck)).Int("failed", failed).Msg("stuck-enrichment sweep complete")
	return nil
}
