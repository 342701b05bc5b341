package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"lendgate/internal/broker"
	"lendgate/internal/models"
	"lendgate/internal/scoring"
	"lendgate/internal/store"
)

// Queue and job names used on the broker.
const (
	Queue      = "applications"
	ProcessJob = "process-application"
)

// EventDecision is the outbound event carrying the final verdict.
const EventDecision = "application.decision"

// Store is the slice of the relational store the processor uses.
type Store interface {
	ApplicationByID(ctx context.Context, id string) (store.ApplicationContext, error)
	AccountsForApplicant(ctx context.Context, applicantID string) ([]models.BankAccount, error)
	CompleteApplication(ctx context.Context, id string, score float64, decision json.RawMessage) (bool, error)
	FailApplication(ctx context.Context, id string, decision json.RawMessage) (bool, error)
}

// Provider covers the live account data fetched during aggregation.
type Provider interface {
	Credits(ctx context.Context, accountID, apiKey string) (json.RawMessage, error)
	Debits(ctx context.Context, accountID, apiKey string) (json.RawMessage, error)
}

// Scorer is the external scoring engine.
type Scorer interface {
	Analyze(ctx context.Context, req scoring.Request) (scoring.Result, error)
}

// Notifier dispatches outbound client events.
type Notifier interface {
	Dispatch(ctx context.Context, fintechID, event string, payload map[string]any) error
}

// ProgressEmitter pushes best-effort live updates to a watching connection.
type ProgressEmitter interface {
	Emit(ctx context.Context, clientID, event string, data any)
}

// Processor runs loan applications end to end: aggregate the applicant's
// enriched accounts, call the scoring engine, persist the verdict, and tell
// the fintech. Progress events along the way are advisory; the webhook is
// the durable record.
type Processor struct {
	store    Store
	provider Provider
	scorer   Scorer
	notifier Notifier
	progress ProgressEmitter
}

func NewProcessor(st Store, pv Provider, sc Scorer, nt Notifier, pr ProgressEmitter) *Processor {
	return &Processor{store: st, provider: pv, scorer: sc, notifier: nt, progress: pr}
}

// accountDoc is the per-account bundle handed to the scoring engine.
type accountDoc struct {
	AccountID         string          `json:"account_id"`
	Institution       string          `json:"institution"`
	Balance           json.RawMessage `json:"balance,omitempty"`
	AccountDetails    json.RawMessage `json:"account_details,omitempty"`
	Transactions      json.RawMessage `json:"transactions,omitempty"`
	Identity          json.RawMessage `json:"identity,omitempty"`
	Income            json.RawMessage `json:"income,omitempty"`
	StatementInsights json.RawMessage `json:"statement_insights,omitempty"`
	Credits           json.RawMessage `json:"credits,omitempty"`
	Debits            json.RawMessage `json:"debits,omitempty"`
}

// Handle is the applications-queue worker. The job carries application_id
// plus an optional client_id for live progress. Business failures end the
// application (FAILED plus a decision webhook); only infrastructure errors
// propagate to the broker for retry.
func (p *Processor) Handle(ctx context.Context, job broker.Job) error {
	applicationID, _ := job.Payload["application_id"].(string)
	clientID, _ := job.Payload["client_id"].(string)
	if applicationID == "" {
		log.Error().Str("job_id", job.ID).Msg("application job missing application_id, dropping")
		return nil
	}

	p.progress.Emit(ctx, clientID, "progress", map[string]any{
		"application_id": applicationID,
		"step":           "started",
		"message":        "Loan analysis started",
	})

	app, err := p.store.ApplicationByID(ctx, applicationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Error().Str("application_id", applicationID).Msg("application vanished, dropping job")
			return nil
		}
		return fmt.Errorf("load application: %w", err)
	}

	accounts, err := p.store.AccountsForApplicant(ctx, app.Application.ApplicantID)
	if err != nil {
		return fmt.Errorf("load applicant accounts: %w", err)
	}

	var ready []models.BankAccount
	for _, acct := range accounts {
		if acct.EnrichmentStatus == models.EnrichmentReady {
			ready = append(ready, acct)
		}
	}
	if len(ready) == 0 {
		log.Warn().Str("application_id", applicationID).Msg("no enriched accounts for applicant, failing application")
		return p.fail(ctx, app, clientID, "no enriched bank accounts available for this applicant")
	}

	p.progress.Emit(ctx, clientID, "progress", map[string]any{
		"application_id": applicationID,
		"step":           "aggregating",
		"accounts":       len(ready),
		"message":        fmt.Sprintf("Aggregating data from %d account(s)", len(ready)),
	})

	docs := make([]json.RawMessage, 0, len(ready))
	for _, acct := range ready {
		doc := accountDoc{
			AccountID:         acct.ID,
			Institution:       acct.Institution,
			Balance:           acct.BalanceData,
			AccountDetails:    acct.AccountDetailsData,
			Transactions:      acct.TransactionsData,
			Identity:          acct.IdentityData,
			Income:            acct.IncomeData,
			StatementInsights: acct.StatementInsightsData,
		}

		// Live cashflow views on top of the stored snapshots. Partial data is
		// fine; the scoring engine handles missing sections.
		if credits, err := p.provider.Credits(ctx, acct.ProviderAccountID, app.ProviderKey); err != nil {
			log.Warn().Err(err).Str("account_id", acct.ID).Msg("credits fetch failed, scoring without it")
		} else {
			doc.Credits = credits
		}
		if debits, err := p.provider.Debits(ctx, acct.ProviderAccountID, app.ProviderKey); err != nil {
			log.Warn().Err(err).Str("account_id", acct.ID).Msg("debits fetch failed, scoring without it")
		} else {
			doc.Debits = debits
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal account doc: %w", err)
		}
		docs = append(docs, raw)
	}

	p.progress.Emit(ctx, clientID, "progress", map[string]any{
		"application_id": applicationID,
		"step":           "scoring",
		"message":        "Submitting financials to the scoring engine",
	})

	result, err := p.scorer.Analyze(ctx, scoring.Request{
		ApplicantID:  app.Application.ApplicantID,
		LoanAmount:   app.Application.Amount,
		TenorMonths:  app.Application.TenorMonths,
		InterestRate: app.Application.InterestRate,
		Accounts:     docs,
	})
	if err != nil {
		log.Error().Err(err).Str("application_id", applicationID).Msg("scoring engine failed")
		return p.fail(ctx, app, clientID, "scoring engine unavailable: "+err.Error())
	}

	won, err := p.store.CompleteApplication(ctx, applicationID, result.Score, result.Decision)
	if err != nil {
		return fmt.Errorf("complete application: %w", err)
	}
	if !won {
		log.Warn().Str("application_id", applicationID).Msg("application no longer PROCESSING, verdict discarded")
		return nil
	}

	p.progress.Emit(ctx, clientID, "application_complete", map[string]any{
		"application_id": applicationID,
		"score":          result.Score,
		"decision":       result.Decision,
	})

	if err := p.notifier.Dispatch(ctx, app.FintechID, EventDecision, map[string]any{
		"application_id": applicationID,
		"applicant_id":   app.Application.ApplicantID,
		"status":         models.ApplicationCompleted,
		"score":          result.Score,
		"decision":       result.Decision,
	}); err != nil {
		log.Error().Err(err).Str("application_id", applicationID).Msg("failed to dispatch decision")
	}

	log.Info().Str("application_id", applicationID).Float64("score", result.Score).Msg("application processed")
	return nil
}

// fail marks the application FAILED and notifies both channels. Losing the
// conditional update means someone else already settled the application.
func (p *Processor) fail(ctx context.Context, app store.ApplicationContext, clientID, reason string) error {
	decision, err := json.Marshal(map[string]any{"error": reason})
	if err != nil {
		return fmt.Errorf("marshal failure decision: %w", err)
	}

	won, err := p.store.FailApplication(ctx, app.Application.ID, decision)
	if err != nil {
		return fmt.Errorf("fail application: %w", err)
	}
	if !won {
		return nil
	}

	p.progress.Emit(ctx, clientID, "application_error", map[string]any{
		"application_id": app.Application.ID,
		"error":          reason,
	})

	if err := p.notifier.Dispatch(ctx, app.FintechID, EventDecision, map[string]any{
		"application_id": app.Application.ID,
		"applicant_id":   app.Application.ApplicantID,
		"status":         models.ApplicationFailed,
		"error":          reason,
	}); err != nil {
		log.Error().Err(err).Str("application_id", app.Application.ID).Msg("failed to dispatch failure decision")
	}
	return nil
}
