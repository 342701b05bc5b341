package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"lendgate/internal/broker"
	"lendgate/internal/models"
	"lendgate/internal/provider"
	"lendgate/internal/store"
	"lendgate/internal/telemetry"
)

// Queue and job names used on the broker.
const (
	Queue   = "enrichments"
	PollJob = "poll-insights"

	CleanupQueue = "enrichment-cleanup"
	ScanJob      = "scan-stuck-enrichments"
	// Stable ID so restarting processes never register a duplicate schedule.
	CleanupJobID = "enrichment-cleanup-repeatable"
)

// Events emitted to fintechs.
const (
	EventAccountLinked    = "account.linked"
	EventEnrichmentReady  = "account.enrichment_ready"
	EventEnrichmentFailed = "account.enrichment_failed"
)

// Store is the slice of the relational store the enrichment pipeline uses.
// All race-participating writes go through conditional updates that report
// whether this caller made the transition.
type Store interface {
	BankAccountByProviderID(ctx context.Context, providerAccountID string) (models.BankAccount, error)
	CreateBankAccount(ctx context.Context, p store.CreateBankAccountParams) (models.BankAccount, error)
	ResetBankAccountForRelink(ctx context.Context, providerAccountID string, p store.CreateBankAccountParams) (models.BankAccount, error)
	TouchBankAccount(ctx context.Context, providerAccountID string) error
	StoreIncome(ctx context.Context, providerAccountID string, payload json.RawMessage) (bool, error)
	StoreStatementInsights(ctx context.Context, accountID string, payload json.RawMessage) error
	StorePrefetchData(ctx context.Context, accountID string, details, balance, transactions, identity json.RawMessage) error
	SetInsightsJobID(ctx context.Context, accountID, jobID string) error
	MarkEnrichmentReady(ctx context.Context, providerAccountID string) (bool, error)
	MarkEnrichmentFailed(ctx context.Context, accountID string) (bool, error)
	StuckAccounts(ctx context.Context, cutoff time.Time, limit int) ([]store.StuckAccount, error)
	FailStuckAccount(ctx context.Context, accountID string, cutoff time.Time) (bool, error)
	AccountOwnerByProviderID(ctx context.Context, providerAccountID string) (store.AccountOwner, error)
	ApplicantByID(ctx context.Context, id string) (models.Applicant, error)
	FintechByID(ctx context.Context, id string) (models.Fintech, error)
}

// Provider is the external enrichment provider surface the service needs.
type Provider interface {
	TriggerIncome(ctx context.Context, accountID, apiKey string) error
	SubmitInsightsJob(ctx context.Context, accountID, apiKey string) (string, error)
	PollInsightsJob(ctx context.Context, jobID, apiKey string) (provider.JobStatus, error)
	AccountDetails(ctx context.Context, accountID, apiKey string) (json.RawMessage, error)
	Balance(ctx context.Context, accountID, apiKey string) (json.RawMessage, error)
	Transactions(ctx context.Context, accountID, apiKey string) (json.RawMessage, error)
	Identity(ctx context.Context, accountID, apiKey string) (json.RawMessage, error)
}

// Notifier dispatches outbound client events.
type Notifier interface {
	Dispatch(ctx context.Context, fintechID, event string, payload map[string]any) error
}

// Enqueuer hands jobs to the broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload map[string]any, opts broker.Options) (string, error)
}

// Service handles inbound provider events and owns the completion arbiter.
type Service struct {
	store    Store
	provider Provider
	notifier Notifier
	jobs     Enqueuer

	pollInterval    time.Duration
	maxPollAttempts int
}

func NewService(st Store, pv Provider, nt Notifier, jobs Enqueuer, pollInterval time.Duration, maxPollAttempts int) *Service {
	if pollInterval == 0 {
		pollInterval = 30 * time.Second
	}
	if maxPollAttempts == 0 {
		maxPollAttempts = 30
	}
	return &Service{
		store:           st,
		provider:        pv,
		notifier:        nt,
		jobs:            jobs,
		pollInterval:    pollInterval,
		maxPollAttempts: maxPollAttempts,
	}
}

// LinkEvent is an inbound account-linking notification from the provider.
type LinkEvent struct {
	ProviderAccountID string
	ApplicantID       string
	AccountName       string
	AccountNumber     string
	Institution       string
	Balance           int64
}

// relinkGrace suppresses duplicate link webhooks: an account reset less than
// this long ago is assumed to be the same linking session.
const relinkGrace = 2 * time.Minute

// HandleAccountLinked creates or refreshes the bank account, notifies the
// fintech, and kicks off both asynchronous enrichments. Missing linkage IDs
// are logged and ignored: retrying cannot conjure the data.
func (s *Service) HandleAccountLinked(ctx context.Context, ev LinkEvent) error {
	if ev.ProviderAccountID == "" {
		log.Error().Msg("link event missing provider account id, ignoring")
		return nil
	}
	if ev.ApplicantID == "" {
		log.Info().Str("provider_account_id", ev.ProviderAccountID).Msg("account connected, waiting for full link data")
		return nil
	}

	params := store.CreateBankAccountParams{
		ApplicantID:       ev.ApplicantID,
		ProviderAccountID: ev.ProviderAccountID,
		AccountName:       ev.AccountName,
		AccountNumber:     ev.AccountNumber,
		Institution:       ev.Institution,
		Balance:           ev.Balance,
	}

	var account models.BankAccount
	existing, err := s.store.BankAccountByProviderID(ctx, ev.ProviderAccountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		account, err = s.store.CreateBankAccount(ctx, params)
		if err != nil {
			return fmt.Errorf("create bank account: %w", err)
		}
		log.Info().Str("provider_account_id", ev.ProviderAccountID).Str("applicant_id", ev.ApplicantID).Msg("new bank account linked")
	case err != nil:
		return fmt.Errorf("lookup bank account: %w", err)
	default:
		if existing.EnrichmentStatus == models.EnrichmentPending && time.Since(existing.UpdatedAt) < relinkGrace {
			log.Warn().Str("provider_account_id", ev.ProviderAccountID).Msg("duplicate link webhook detected, skipping reset")
			return nil
		}
		account, err = s.store.ResetBankAccountForRelink(ctx, ev.ProviderAccountID, params)
		if err != nil {
			return fmt.Errorf("reset bank account: %w", err)
		}
		log.Info().Str("provider_account_id", ev.ProviderAccountID).Str("applicant_id", ev.ApplicantID).Msg("bank account refreshed")
	}

	applicant, err := s.store.ApplicantByID(ctx, account.ApplicantID)
	if err != nil {
		return fmt.Errorf("load applicant: %w", err)
	}
	fintech, err := s.store.FintechByID(ctx, applicant.FintechID)
	if err != nil {
		return fmt.Errorf("load fintech: %w", err)
	}

	if err := s.notifier.Dispatch(ctx, fintech.ID, EventAccountLinked, map[string]any{
		"account_id":          account.ID,
		"provider_account_id": account.ProviderAccountID,
		"applicant_id":        account.ApplicantID,
		"institution":         account.Institution,
		"account_number":      account.AccountNumber,
	}); err != nil {
		log.Error().Err(err).Str("provider_account_id", ev.ProviderAccountID).Msg("failed to dispatch account.linked")
	}

	if fintech.ProviderAPIKey == "" {
		log.Warn().Str("fintech_id", fintech.ID).Msg("fintech has no provider key, enrichment skipped")
		return nil
	}

	// Enrichment triggers run detached from the inbound request: the provider
	// expects a fast acknowledgement.
	go func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := s.triggerEnrichments(tctx, account, fintech.ProviderAPIKey); err != nil {
			log.Error().Err(err).Str("provider_account_id", account.ProviderAccountID).Msg("enrichment trigger failed after link")
		}
	}()

	return nil
}

// triggerEnrichments pre-fetches the synchronous snapshots and starts the two
// asynchronous analyses: income (result pushed back to us) and statement
// insights (result polled from the enrichments queue).
func (s *Service) triggerEnrichments(ctx context.Context, account models.BankAccount, apiKey string) error {
	type fetch struct {
		name string
		fn   func(context.Context, string, string) (json.RawMessage, error)
		out  json.RawMessage
		err  error
	}
	fetches := []*fetch{
		{name: "account_details", fn: s.provider.AccountDetails},
		{name: "balance", fn: s.provider.Balance},
		{name: "transactions", fn: s.provider.Transactions},
		{name: "identity", fn: s.provider.Identity},
	}

	var wg sync.WaitGroup
	for _, f := range fetches {
		wg.Add(1)
		go func(f *fetch) {
			defer wg.Done()
			f.out, f.err = f.fn(ctx, account.ProviderAccountID, apiKey)
		}(f)
	}
	wg.Wait()

	for _, f := range fetches {
		if f.err != nil {
			log.Warn().Err(f.err).Str("provider_account_id", account.ProviderAccountID).Str("endpoint", f.name).Msg("pre-fetch failed")
		}
	}
	if err := s.store.StorePrefetchData(ctx, account.ID, fetches[0].out, fetches[1].out, fetches[2].out, fetches[3].out); err != nil {
		log.Warn().Err(err).Str("account_id", account.ID).Msg("failed to store pre-fetch data")
	}

	if err := s.provider.TriggerIncome(ctx, account.ProviderAccountID, apiKey); err != nil {
		// Not fatal: the provider may still push the income webhook.
		log.Warn().Err(err).Str("provider_account_id", account.ProviderAccountID).Msg("income trigger failed, relying on webhook")
	} else {
		log.Info().Str("provider_account_id", account.ProviderAccountID).Msg("income analysis triggered")
	}

	jobID, err := s.provider.SubmitInsightsJob(ctx, account.ProviderAccountID, apiKey)
	if err != nil {
		return fmt.Errorf("submit insights job: %w", err)
	}
	if err := s.store.SetInsightsJobID(ctx, account.ID, jobID); err != nil {
		return fmt.Errorf("record insights job id: %w", err)
	}

	if _, err := s.jobs.Enqueue(ctx, Queue, PollJob, map[string]any{
		"bank_account_id":     account.ID,
		"provider_account_id": account.ProviderAccountID,
		"job_id":              jobID,
		"api_key":             apiKey,
		"poll_attempt":        0,
	}, broker.Options{Delay: s.pollInterval}); err != nil {
		return fmt.Errorf("schedule first poll: %w", err)
	}
	telemetry.JobsEnqueued.WithLabelValues(Queue).Inc()

	log.Info().Str("provider_account_id", account.ProviderAccountID).Str("insights_job_id", jobID).Msg("statement insights job started, poll scheduled")
	return nil
}

// IncomeEvent is the push-delivered income analysis result.
type IncomeEvent struct {
	ProviderAccountID string
	Income            json.RawMessage
}

// HandleIncome stores the income payload and invokes the completion arbiter.
func (s *Service) HandleIncome(ctx context.Context, ev IncomeEvent) error {
	if ev.ProviderAccountID == "" {
		log.Warn().Msg("income webhook missing account id, ignoring")
		return nil
	}

	ok, err := s.store.StoreIncome(ctx, ev.ProviderAccountID, ev.Income)
	if err != nil {
		return fmt.Errorf("store income: %w", err)
	}
	if !ok {
		// Unknown account: a retry cannot fix missing linkage data.
		log.Error().Str("provider_account_id", ev.ProviderAccountID).Msg("income webhook for unknown account, ignoring")
		return nil
	}
	log.Info().Str("provider_account_id", ev.ProviderAccountID).Msg("income data stored")

	return s.checkAndFireReady(ctx, ev.ProviderAccountID)
}

// HandleReauthorised bumps the staleness clock after a re-authorisation.
func (s *Service) HandleReauthorised(ctx context.Context, providerAccountID string) error {
	if providerAccountID == "" {
		return nil
	}
	if err := s.store.TouchBankAccount(ctx, providerAccountID); err != nil {
		return fmt.Errorf("touch account: %w", err)
	}
	log.Info().Str("provider_account_id", providerAccountID).Msg("bank account reauthorised")
	return nil
}

// checkAndFireReady is the completion arbiter. Both the income handler and
// the poller funnel through here; the single conditional update in the store
// is the only synchronization point, so whichever caller sees the row flip
// owns the enrichment-ready event. Everyone else exits silently.
func (s *Service) checkAndFireReady(ctx context.Context, providerAccountID string) error {
	won, err := s.store.MarkEnrichmentReady(ctx, providerAccountID)
	if err != nil {
		return fmt.Errorf("arbiter update: %w", err)
	}
	if !won {
		log.Info().Str("provider_account_id", providerAccountID).Msg("enrichment not complete yet or already announced")
		return nil
	}

	owner, err := s.store.AccountOwnerByProviderID(ctx, providerAccountID)
	if err != nil {
		return fmt.Errorf("load account owner: %w", err)
	}

	telemetry.EnrichmentsReady.Inc()
	log.Info().Str("provider_account_id", providerAccountID).Str("account_id", owner.Account.ID).Msg("both enrichments ready")

	// A dispatch failure here cannot be replayed: the broker retry re-runs the
	// handler, which loses the arbiter race to this very transition. The READY
	// state in the store remains authoritative; the event is at-most-once.
	return s.notifier.Dispatch(ctx, owner.FintechID, EventEnrichmentReady, map[string]any{
		"account_id":          owner.Account.ID,
		"provider_account_id": providerAccountID,
		"applicant_id":        owner.Account.ApplicantID,
		"message":             "Account enrichment complete. You may now submit this applicant for loan analysis.",
	})
}

// failAccount transitions the account to FAILED (at most once) and notifies
// the fintech with the failure reason.
func (s *Service) failAccount(ctx context.Context, accountID, providerAccountID, reason, message string) error {
	won, err := s.store.MarkEnrichmentFailed(ctx, accountID)
	if err != nil {
		return fmt.Errorf("mark enrichment failed: %w", err)
	}
	if !won {
		return nil
	}
	telemetry.EnrichmentsFailed.WithLabelValues(reason).Inc()

	owner, err := s.store.AccountOwnerByProviderID(ctx, providerAccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("provider_account_id", providerAccountID).Msg("failed account has no owner, skipping notification")
			return nil
		}
		return fmt.Errorf("load account owner: %w", err)
	}

	return s.notifier.Dispatch(ctx, owner.FintechID, EventEnrichmentFailed, map[string]any{
		"account_id":          accountID,
		"provider_account_id": providerAccountID,
		"applicant_id":        owner.Account.ApplicantID,
		"reason":              reason,
		"message":             message,
	})
}
