package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"lendgate/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth and the synchronization point between workers: every field that can
// be raced on is written only through single-row conditional updates.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ── Fintechs ──

// FintechByID loads a client record including its signing secret.
func (s *Store) FintechByID(ctx context.Context, id string) (models.Fintech, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, api_key, provider_api_key, webhook_url, created_at, updated_at
		FROM fintechs WHERE id = $1
	`, id)
	var f models.Fintech
	if err := row.Scan(&f.ID, &f.Name, &f.APIKey, &f.ProviderAPIKey, &f.WebhookURL, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Fintech{}, ErrNotFound
		}
		return models.Fintech{}, fmt.Errorf("scan fintech: %w", err)
	}
	return f, nil
}

// ── Bank accounts ──

const bankAccountColumns = `
	id, applicant_id, provider_account_id, account_name, account_number,
	institution, balance, enrichment_status, income_data,
	statement_insights_data, account_details_data, balance_data,
	transactions_data, identity_data, insights_job_id, created_at, updated_at`

func scanBankAccount(row pgx.Row) (models.BankAccount, error) {
	var a models.BankAccount
	var insightsJobID pgtype.Text
	err := row.Scan(
		&a.ID, &a.ApplicantID, &a.ProviderAccountID, &a.AccountName, &a.AccountNumber,
		&a.Institution, &a.Balance, &a.EnrichmentStatus, &a.IncomeData,
		&a.StatementInsightsData, &a.AccountDetailsData, &a.BalanceData,
		&a.TransactionsData, &a.IdentityData, &insightsJobID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.BankAccount{}, ErrNotFound
		}
		return models.BankAccount{}, fmt.Errorf("scan bank account: %w", err)
	}
	if insightsJobID.Valid {
		a.InsightsJobID = &insightsJobID.String
	}
	return a, nil
}

// BankAccountByProviderID fetches an account by the external provider's ID.
func (s *Store) BankAccountByProviderID(ctx context.Context, providerAccountID string) (models.BankAccount, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bankAccountColumns+` FROM bank_accounts WHERE provider_account_id = $1`, providerAccountID)
	return scanBankAccount(row)
}

// CreateBankAccountParams collects inputs for a newly linked account.
type CreateBankAccountParams struct {
	ApplicantID       string
	ProviderAccountID string
	AccountName       string
	AccountNumber     string
	Institution       string
	Balance           int64
}

// CreateBankAccount inserts a new account in PENDING state.
func (s *Store) CreateBankAccount(ctx context.Context, p CreateBankAccountParams) (models.BankAccount, error) {
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO bank_accounts (id, applicant_id, provider_account_id, account_name, account_number, institution, balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+bankAccountColumns,
		id, p.ApplicantID, p.ProviderAccountID, p.AccountName, p.AccountNumber, p.Institution, p.Balance)
	return scanBankAccount(row)
}

// ResetBankAccountForRelink refreshes identity fields and clears all
// enrichment state so a re-linked account starts a fresh PENDING cycle.
func (s *Store) ResetBankAccountForRelink(ctx context.Context, providerAccountID string, p CreateBankAccountParams) (models.BankAccount, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE bank_accounts
		SET account_name = $2, account_number = $3, institution = $4, balance = $5,
		    enrichment_status = 'PENDING',
		    income_data = NULL, statement_insights_data = NULL,
		    account_details_data = NULL, balance_data = NULL,
		    transactions_data = NULL, identity_data = NULL,
		    insights_job_id = NULL, updated_at = NOW()
		WHERE provider_account_id = $1
		RETURNING `+bankAccountColumns,
		providerAccountID, p.AccountName, p.AccountNumber, p.Institution, p.Balance)
	return scanBankAccount(row)
}

// TouchBankAccount bumps the staleness clock without changing state.
func (s *Store) TouchBankAccount(ctx context.Context, providerAccountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bank_accounts SET updated_at = NOW() WHERE provider_account_id = $1
	`, providerAccountID)
	return err
}

// StoreIncome persists the push-delivered income payload. Returns false when
// no account matches, which callers treat as ignore-and-log.
func (s *Store) StoreIncome(ctx context.Context, providerAccountID string, payload json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bank_accounts SET income_data = $2, updated_at = NOW()
		WHERE provider_account_id = $1
	`, providerAccountID, payload)
	if err != nil {
		return false, fmt.Errorf("store income: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// StoreStatementInsights persists the poll-delivered insights payload.
func (s *Store) StoreStatementInsights(ctx context.Context, accountID string, payload json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bank_accounts SET statement_insights_data = $2, updated_at = NOW()
		WHERE id = $1
	`, accountID, payload)
	if err != nil {
		return fmt.Errorf("store statement insights: %w", err)
	}
	return nil
}

// StorePrefetchData persists the synchronous snapshot fetches taken at link
// time. Nil slots are left untouched.
func (s *Store) StorePrefetchData(ctx context.Context, accountID string, details, balance, transactions, identity json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bank_accounts
		SET account_details_data = COALESCE($2, account_details_data),
		    balance_data = COALESCE($3, balance_data),
		    transactions_data = COALESCE($4, transactions_data),
		    identity_data = COALESCE($5, identity_data),
		    updated_at = NOW()
		WHERE id = $1
	`, accountID, details, balance, transactions, identity)
	return err
}

// SetInsightsJobID records the provider job handle being polled.
func (s *Store) SetInsightsJobID(ctx context.Context, accountID, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bank_accounts SET insights_job_id = $2, updated_at = NOW() WHERE id = $1
	`, accountID, jobID)
	return err
}

// MarkEnrichmentReady is the completion arbiter's single atomic write: flip
// to READY only while PENDING and only once both payloads are present. The
// caller that observes one affected row owns the enrichment-ready event;
// everyone else backs off silently.
func (s *Store) MarkEnrichmentReady(ctx context.Context, providerAccountID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bank_accounts
		SET enrichment_status = 'READY', updated_at = NOW()
		WHERE provider_account_id = $1
		  AND enrichment_status = 'PENDING'
		  AND income_data IS NOT NULL
		  AND statement_insights_data IS NOT NULL
	`, providerAccountID)
	if err != nil {
		return false, fmt.Errorf("mark enrichment ready: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkEnrichmentFailed transitions PENDING -> FAILED. Terminal states are
// never overwritten; returns whether this call made the transition.
func (s *Store) MarkEnrichmentFailed(ctx context.Context, accountID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bank_accounts
		SET enrichment_status = 'FAILED', updated_at = NOW()
		WHERE id = $1 AND enrichment_status = 'PENDING'
	`, accountID)
	if err != nil {
		return false, fmt.Errorf("mark enrichment failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// StuckAccount is a reaper scan result joined with its owner.
type StuckAccount struct {
	AccountID         string
	ProviderAccountID string
	ApplicantID       string
	FintechID         string
}

// StuckAccounts lists accounts still PENDING whose staleness clock is older
// than the cutoff.
func (s *Store) StuckAccounts(ctx context.Context, cutoff time.Time, limit int) ([]StuckAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ba.id, ba.provider_account_id, ba.applicant_id, ap.fintech_id
		FROM bank_accounts ba
		JOIN applicants ap ON ap.id = ba.applicant_id
		WHERE ba.enrichment_status = 'PENDING' AND ba.updated_at < $1
		ORDER BY ba.updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck accounts: %w", err)
	}
	defer rows.Close()

	var out []StuckAccount
	for rows.Next() {
		var a StuckAccount
		if err := rows.Scan(&a.AccountID, &a.ProviderAccountID, &a.ApplicantID, &a.FintechID); err != nil {
			return nil, fmt.Errorf("scan stuck account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FailStuckAccount fails one stuck account. The status and staleness guards
// make the write idempotent across overlapping reaper sweeps and resistant to
// a legitimate payload write racing the sweep.
func (s *Store) FailStuckAccount(ctx context.Context, accountID string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bank_accounts
		SET enrichment_status = 'FAILED', updated_at = NOW()
		WHERE id = $1 AND enrichment_status = 'PENDING' AND updated_at < $2
	`, accountID, cutoff)
	if err != nil {
		return false, fmt.Errorf("fail stuck account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AccountOwner resolves the account plus the fintech that should be notified
// about it.
type AccountOwner struct {
	Account   models.BankAccount
	FintechID string
}

// AccountOwnerByProviderID joins an account with its owning fintech.
func (s *Store) AccountOwnerByProviderID(ctx context.Context, providerAccountID string) (AccountOwner, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT ba.id, ba.applicant_id, ba.provider_account_id, ba.account_name, ba.account_number,
		       ba.institution, ba.balance, ba.enrichment_status, ba.income_data,
		       ba.statement_insights_data, ba.account_details_data, ba.balance_data,
		       ba.transactions_data, ba.identity_data, ba.insights_job_id, ba.created_at, ba.updated_at,
		       ap.fintech_id
		FROM bank_accounts ba
		JOIN applicants ap ON ap.id = ba.applicant_id
		WHERE ba.provider_account_id = $1
	`, providerAccountID)

	var o AccountOwner
	var insightsJobID pgtype.Text
	err := row.Scan(
		&o.Account.ID, &o.Account.ApplicantID, &o.Account.ProviderAccountID, &o.Account.AccountName, &o.Account.AccountNumber,
		&o.Account.Institution, &o.Account.Balance, &o.Account.EnrichmentStatus, &o.Account.IncomeData,
		&o.Account.StatementInsightsData, &o.Account.AccountDetailsData, &o.Account.BalanceData,
		&o.Account.TransactionsData, &o.Account.IdentityData, &insightsJobID, &o.Account.CreatedAt, &o.Account.UpdatedAt,
		&o.FintechID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountOwner{}, ErrNotFound
		}
		return AccountOwner{}, fmt.Errorf("scan account owner: %w", err)
	}
	if insightsJobID.Valid {
		o.Account.InsightsJobID = &insightsJobID.String
	}
	return o, nil
}

// ApplicantByID loads an applicant.
func (s *Store) ApplicantByID(ctx context.Context, id string) (models.Applicant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, fintech_id, name, email, bvn, created_at, updated_at
		FROM applicants WHERE id = $1
	`, id)
	var a models.Applicant
	if err := row.Scan(&a.ID, &a.FintechID, &a.Name, &a.Email, &a.BVN, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Applicant{}, ErrNotFound
		}
		return models.Applicant{}, fmt.Errorf("scan applicant: %w", err)
	}
	return a, nil
}

// AccountsForApplicant lists an applicant's linked accounts.
func (s *Store) AccountsForApplicant(ctx context.Context, applicantID string) ([]models.BankAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bankAccountColumns+` FROM bank_accounts WHERE applicant_id = $1 ORDER BY created_at`, applicantID)
	if err != nil {
		return nil, fmt.Errorf("query applicant accounts: %w", err)
	}
	defer rows.Close()

	var out []models.BankAccount
	for rows.Next() {
		a, err := scanBankAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ── Applications ──

// ApplicationContext bundles an application with the owner data the processor
// needs to score it.
type ApplicationContext struct {
	Application models.Application
	FintechID   string
	ProviderKey string
	BVN         string
}

// ApplicationByID joins an application with its applicant's fintech.
func (s *Store) ApplicationByID(ctx context.Context, id string) (ApplicationContext, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT a.id, a.applicant_id, a.amount, a.tenor_months, a.interest_rate, a.purpose,
		       a.status, a.score, a.decision, a.created_at, a.updated_at,
		       ap.fintech_id, f.provider_api_key, ap.bvn
		FROM applications a
		JOIN applicants ap ON ap.id = a.applicant_id
		JOIN fintechs f ON f.id = ap.fintech_id
		WHERE a.id = $1
	`, id)

	var c ApplicationContext
	var score pgtype.Float8
	err := row.Scan(
		&c.Application.ID, &c.Application.ApplicantID, &c.Application.Amount, &c.Application.TenorMonths,
		&c.Application.InterestRate, &c.Application.Purpose, &c.Application.Status, &score,
		&c.Application.Decision, &c.Application.CreatedAt, &c.Application.UpdatedAt,
		&c.FintechID, &c.ProviderKey, &c.BVN,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApplicationContext{}, ErrNotFound
		}
		return ApplicationContext{}, fmt.Errorf("scan application: %w", err)
	}
	if score.Valid {
		c.Application.Score = &score.Float64
	}
	return c, nil
}

// MarkApplicationProcessing claims a PENDING application for scoring.
func (s *Store) MarkApplicationProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET status = 'PROCESSING', updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark application processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetApplicationToPending releases a claim when the scoring job could not be
// enqueued. Conditional on PROCESSING so it never touches a settled row.
func (s *Store) ResetApplicationToPending(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET status = 'PENDING', updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id)
	if err != nil {
		return false, fmt.Errorf("reset application: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteApplication writes the terminal COMPLETED state exactly once.
func (s *Store) CompleteApplication(ctx context.Context, id string, score float64, decision json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications
		SET status = 'COMPLETED', score = $2, decision = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, score, decision)
	if err != nil {
		return false, fmt.Errorf("complete application: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailApplication writes the terminal FAILED state with the error captured in
// the decision payload.
func (s *Store) FailApplication(ctx context.Context, id string, decision json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications
		SET status = 'FAILED', decision = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, decision)
	if err != nil {
		return false, fmt.Errorf("fail application: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ── Webhook delivery ledger ──

// CreateDelivery opens a PENDING ledger row snapshotting the destination URL.
func (s *Store) CreateDelivery(ctx context.Context, fintechID, event string, payload json.RawMessage, webhookURL string) (models.WebhookDelivery, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, fintech_id, event, payload, webhook_url, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, $6)
	`, id, fintechID, event, payload, webhookURL, now)
	if err != nil {
		return models.WebhookDelivery{}, fmt.Errorf("insert delivery: %w", err)
	}
	return models.WebhookDelivery{
		ID:         id,
		FintechID:  fintechID,
		Event:      event,
		Payload:    payload,
		WebhookURL: webhookURL,
		Status:     models.DeliveryPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// DeliveryByID loads one ledger row.
func (s *Store) DeliveryByID(ctx context.Context, id string) (models.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, fintech_id, event, payload, webhook_url, status, status_code,
		       attempts, last_attempt_at, error_message, created_at, updated_at
		FROM webhook_deliveries WHERE id = $1
	`, id)

	var d models.WebhookDelivery
	var statusCode pgtype.Int4
	var lastAttempt pgtype.Timestamptz
	var errMsg pgtype.Text
	err := row.Scan(&d.ID, &d.FintechID, &d.Event, &d.Payload, &d.WebhookURL, &d.Status,
		&statusCode, &d.Attempts, &lastAttempt, &errMsg, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WebhookDelivery{}, ErrNotFound
		}
		return models.WebhookDelivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	if statusCode.Valid {
		code := int(statusCode.Int32)
		d.StatusCode = &code
	}
	if lastAttempt.Valid {
		d.LastAttemptAt = &lastAttempt.Time
	}
	if errMsg.Valid {
		d.ErrorMessage = &errMsg.String
	}
	return d, nil
}

// RecordDeliveryAttempt updates the ledger after one HTTP attempt. Attempts
// increments unconditionally; status reflects only the latest attempt.
func (s *Store) RecordDeliveryAttempt(ctx context.Context, id string, delivered bool, statusCode int, errMsg string) error {
	status := models.DeliveryFailed
	if delivered {
		status = models.DeliveryDelivered
	}
	var codeArg any
	if statusCode > 0 {
		codeArg = statusCode
	}
	var errArg any
	if errMsg != "" {
		errArg = errMsg
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, status_code = $3, attempts = attempts + 1,
		    last_attempt_at = NOW(), error_message = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, codeArg, errArg)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	return nil
}
