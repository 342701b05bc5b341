package enrichment

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"lendgate/internal/broker"
	"lendgate/internal/models"
	"lendgate/internal/provider"
	"lendgate/internal/store"
)

// fakeStore mimics the conditional-update semantics of the real store under a
// single mutex, which is exactly what makes the arbiter tests meaningful.
type fakeStore struct {
	mu         sync.Mutex
	accounts   map[string]*models.BankAccount // keyed by provider account ID
	applicants map[string]models.Applicant
	fintechs   map[string]models.Fintech
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:   make(map[string]*models.BankAccount),
		applicants: make(map[string]models.Applicant),
		fintechs:   make(map[string]models.Fintech),
	}
}

func (f *fakeStore) addAccount(acct models.BankAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	f.accounts[acct.ProviderAccountID] = &acct
}

func (f *fakeStore) account(providerID string) models.BankAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.accounts[providerID]
}

func (f *fakeStore) BankAccountByProviderID(_ context.Context, providerID string) (models.BankAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[providerID]
	if !ok {
		return models.BankAccount{}, store.ErrNotFound
	}
	return *acct, nil
}

func (f *fakeStore) CreateBankAccount(_ context.Context, p store.CreateBankAccountParams) (models.BankAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := models.BankAccount{
		ID:                uuid.New().String(),
		ApplicantID:       p.ApplicantID,
		ProviderAccountID: p.ProviderAccountID,
		AccountName:       p.AccountName,
		AccountNumber:     p.AccountNumber,
		Institution:       p.Institution,
		Balance:           p.Balance,
		EnrichmentStatus:  models.EnrichmentPending,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	f.accounts[p.ProviderAccountID] = &acct
	return acct, nil
}

func (f *fakeStore) ResetBankAccountForRelink(_ context.Context, providerID string, p store.CreateBankAccountParams) (models.BankAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[providerID]
	if !ok {
		return models.BankAccount{}, store.ErrNotFound
	}
	acct.ApplicantID = p.ApplicantID
	acct.AccountName = p.AccountName
	acct.AccountNumber = p.AccountNumber
	acct.Institution = p.Institution
	acct.Balance = p.Balance
	acct.EnrichmentStatus = models.EnrichmentPending
	acct.IncomeData = nil
	acct.StatementInsightsData = nil
	acct.InsightsJobID = nil
	acct.UpdatedAt = time.Now()
	return *acct, nil
}

func (f *fakeStore) TouchBankAccount(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acct, ok := f.accounts[providerID]; ok {
		acct.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeStore) StoreIncome(_ context.Context, providerID string, payload json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[providerID]
	if !ok {
		return false, nil
	}
	acct.IncomeData = payload
	acct.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) StoreStatementInsights(_ context.Context, accountID string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acct := range f.accounts {
		if acct.ID == accountID {
			acct.StatementInsightsData = payload
			acct.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (f *fakeStore) StorePrefetchData(_ context.Context, accountID string, details, balance, transactions, identity json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acct := range f.accounts {
		if acct.ID == accountID {
			acct.AccountDetailsData = details
			acct.BalanceData = balance
			acct.TransactionsData = transactions
			acct.IdentityData = identity
		}
	}
	return nil
}

func (f *fakeStore) SetInsightsJobID(_ context.Context, accountID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acct := range f.accounts {
		if acct.ID == accountID {
			acct.InsightsJobID = &jobID
		}
	}
	return nil
}

func (f *fakeStore) MarkEnrichmentReady(_ context.Context, providerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[providerID]
	if !ok {
		return false, nil
	}
	if acct.EnrichmentStatus != models.EnrichmentPending || acct.IncomeData == nil || acct.StatementInsightsData == nil {
		return false, nil
	}
	acct.EnrichmentStatus = models.EnrichmentReady
	acct.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) MarkEnrichmentFailed(_ context.Context, accountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acct := range f.accounts {
		if acct.ID == accountID && acct.EnrichmentStatus == models.EnrichmentPending {
			acct.EnrichmentStatus = models.EnrichmentFailed
			acct.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) StuckAccounts(_ context.Context, cutoff time.Time, limit int) ([]store.StuckAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.StuckAccount
	for _, acct := range f.accounts {
		if acct.EnrichmentStatus != models.EnrichmentPending || !acct.UpdatedAt.Before(cutoff) {
			continue
		}
		applicant := f.applicants[acct.ApplicantID]
		out = append(out, store.StuckAccount{
			AccountID:         acct.ID,
			ProviderAccountID: acct.ProviderAccountID,
			ApplicantID:       acct.ApplicantID,
			FintechID:         applicant.FintechID,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) FailStuckAccount(_ context.Context, accountID string, cutoff time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acct := range f.accounts {
		if acct.ID == accountID && acct.EnrichmentStatus == models.EnrichmentPending && acct.UpdatedAt.Before(cutoff) {
			acct.EnrichmentStatus = models.EnrichmentFailed
			acct.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) AccountOwnerByProviderID(_ context.Context, providerID string) (store.AccountOwner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[providerID]
	if !ok {
		return store.AccountOwner{}, store.ErrNotFound
	}
	applicant := f.applicants[acct.ApplicantID]
	return store.AccountOwner{Account: *acct, FintechID: applicant.FintechID}, nil
}

func (f *fakeStore) ApplicantByID(_ context.Context, id string) (models.Applicant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.applicants[id]
	if !ok {
		return models.Applicant{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) FintechByID(_ context.Context, id string) (models.Fintech, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.fintechs[id]
	if !ok {
		return models.Fintech{}, store.ErrNotFound
	}
	return ft, nil
}

// fakeProvider returns canned answers and counts calls.
type fakeProvider struct {
	mu         sync.Mutex
	pollStatus provider.JobStatus
	pollErr    error
	pollCalls  int
	submitErr  error
}

func (p *fakeProvider) TriggerIncome(context.Context, string, string) error { return nil }

func (p *fakeProvider) SubmitInsightsJob(context.Context, string, string) (string, error) {
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return "insights-job-1", nil
}

func (p *fakeProvider) PollInsightsJob(context.Context, string, string) (provider.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollCalls++
	return p.pollStatus, p.pollErr
}

func (p *fakeProvider) polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollCalls
}

func (p *fakeProvider) AccountDetails(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"details":true}`), nil
}
func (p *fakeProvider) Balance(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"balance":100}`), nil
}
func (p *fakeProvider) Transactions(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}
func (p *fakeProvider) Identity(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"name":"x"}`), nil
}

// fakeNotifier records dispatched events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []dispatched
}

type dispatched struct {
	FintechID string
	Event     string
	Payload   map[string]any
}

func (n *fakeNotifier) Dispatch(_ context.Context, fintechID, event string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, dispatched{FintechID: fintechID, Event: event, Payload: payload})
	return nil
}

func (n *fakeNotifier) byEvent(event string) []dispatched {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []dispatched
	for _, e := range n.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeJobs records enqueued jobs.
type fakeJobs struct {
	mu       sync.Mutex
	enqueued []enqueuedJob
}

type enqueuedJob struct {
	Queue   string
	Name    string
	Payload map[string]any
	Opts    broker.Options
}

func (j *fakeJobs) Enqueue(_ context.Context, queue, name string, payload map[string]any, opts broker.Options) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enqueued = append(j.enqueued, enqueuedJob{Queue: queue, Name: name, Payload: payload, Opts: opts})
	if opts.JobID != "" {
		return opts.JobID, nil
	}
	return uuid.New().String(), nil
}

func (j *fakeJobs) jobs() []enqueuedJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]enqueuedJob(nil), j.enqueued...)
}

// waitFor polls cond until it holds or the deadline passes. Needed for the
// detached enrichment trigger goroutine.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}
