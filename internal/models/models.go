package models

import (
	"encoding/json"
	"time"
)

// Enrichment statuses persisted on bank_accounts. PENDING is the only
// non-terminal state; READY and FAILED are terminal.
const (
	EnrichmentPending = "PENDING"
	EnrichmentReady   = "READY"
	EnrichmentFailed  = "FAILED"
)

// Application statuses. COMPLETED and FAILED are terminal.
const (
	ApplicationPending    = "PENDING"
	ApplicationProcessing = "PROCESSING"
	ApplicationCompleted  = "COMPLETED"
	ApplicationFailed     = "FAILED"
)

// Webhook delivery ledger statuses. The ledger reflects the outcome of the
// most recent attempt; the broker decides independently whether to retry.
const (
	DeliveryPending   = "PENDING"
	DeliveryDelivered = "DELIVERED"
	DeliveryFailed    = "FAILED"
)

// Fintech is a client system that receives outbound webhooks. Its API key
// doubles as the HMAC signing secret for deliveries.
type Fintech struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	APIKey         string    `json:"-"`
	ProviderAPIKey string    `json:"-"`
	WebhookURL     string    `json:"webhook_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Applicant is a loan applicant owned by one fintech.
type Applicant struct {
	ID        string    `json:"id"`
	FintechID string    `json:"fintech_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	BVN       string    `json:"bvn,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BankAccount carries per-account enrichment state. UpdatedAt is bumped on
// every legitimate write and acts as the staleness clock for the reaper.
type BankAccount struct {
	ID                    string          `json:"id"`
	ApplicantID           string          `json:"applicant_id"`
	ProviderAccountID     string          `json:"provider_account_id"`
	AccountName           string          `json:"account_name,omitempty"`
	AccountNumber         string          `json:"account_number,omitempty"`
	Institution           string          `json:"institution,omitempty"`
	Balance               int64           `json:"balance"`
	EnrichmentStatus      string          `json:"enrichment_status"`
	IncomeData            json.RawMessage `json:"income_data,omitempty"`
	StatementInsightsData json.RawMessage `json:"statement_insights_data,omitempty"`
	AccountDetailsData    json.RawMessage `json:"account_details_data,omitempty"`
	BalanceData           json.RawMessage `json:"balance_data,omitempty"`
	TransactionsData      json.RawMessage `json:"transactions_data,omitempty"`
	IdentityData          json.RawMessage `json:"identity_data,omitempty"`
	InsightsJobID         *string         `json:"insights_job_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Application is a loan application scored by the pipeline.
type Application struct {
	ID           string          `json:"id"`
	ApplicantID  string          `json:"applicant_id"`
	Amount       int64           `json:"amount"`
	TenorMonths  int             `json:"tenor_months"`
	InterestRate float64         `json:"interest_rate"`
	Purpose      string          `json:"purpose,omitempty"`
	Status       string          `json:"status"`
	Score        *float64        `json:"score,omitempty"`
	Decision     json.RawMessage `json:"decision,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// WebhookDelivery is one ledger row per dispatch attempt-set. WebhookURL is a
// snapshot taken at enqueue time so retries never chase a changed URL.
type WebhookDelivery struct {
	ID            string          `json:"id"`
	FintechID     string          `json:"fintech_id"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload"`
	WebhookURL    string          `json:"webhook_url"`
	Status        string          `json:"status"`
	StatusCode    *int            `json:"status_code,omitempty"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
