package enrichment

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"lendgate/internal/models"
)

func newTestService(st *fakeStore, pv *fakeProvider, nt *fakeNotifier, jobs *fakeJobs) *Service {
	return NewService(st, pv, nt, jobs, 10*time.Millisecond, 30)
}

func seedFintech(st *fakeStore) {
	st.fintechs["ft-1"] = models.Fintech{ID: "ft-1", Name: "Acme Lending", APIKey: "wh-secret", ProviderAPIKey: "prov-key", WebhookURL: "https://acme.example.com/hooks"}
	st.applicants["app-1"] = models.Applicant{ID: "app-1", FintechID: "ft-1", Name: "Ada", Email: "ada@example.com"}
}

func TestHandleAccountLinkedCreatesAndTriggers(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	seedFintech(st)
	pv := &fakeProvider{}
	nt := &fakeNotifier{}
	jobs := &fakeJobs{}
	svc := newTestService(st, pv, nt, jobs)

	err := svc.HandleAccountLinked(ctx, LinkEvent{
		ProviderAccountID: "prov-acc-1",
		ApplicantID:       "app-1",
		AccountName:       "Ada Current",
		AccountNumber:     "0123456789",
		Institution:       "First Bank",
		Balance:           500_00,
	})
	if err != nil {
		t.Fatalf("handle link: %v", err)
	}

	linked := nt.byEvent(EventAccountLinked)
	if len(linked) != 1 || linked[0].FintechID != "ft-1" {
		t.Fatalf("account.linked not dispatched: %+v", nt.events)
	}

	// The enrichment trigger runs detached; wait for the poll job.
	waitFor(t, func() bool { return len(jobs.jobs()) == 1 })
	job := jobs.jobs()[0]
	if job.Queue != Queue || job.Name != PollJob {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Payload["poll_attempt"] != 0 || job.Payload["job_id"] != "insights-job-1" {
		t.Fatalf("poll payload: %+v", job.Payload)
	}
	if job.Opts.Delay != 10*time.Millisecond {
		t.Fatalf("first poll not delayed: %+v", job.Opts)
	}

	acct := st.account("prov-acc-1")
	if acct.EnrichmentStatus != models.EnrichmentPending || acct.InsightsJobID == nil {
		t.Fatalf("account not primed: %+v", acct)
	}
	if acct.AccountDetailsData == nil || acct.BalanceData == nil {
		t.Fatalf("pre-fetch data missing: %+v", acct)
	}
}

func TestDuplicateLinkWebhookSkipped(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	seedFintech(st)
	st.addAccount(models.BankAccount{
		ProviderAccountID: "prov-acc-1",
		ApplicantID:       "app-1",
		AccountName:       "Original",
		EnrichmentStatus:  models.EnrichmentPending,
		UpdatedAt:         time.Now(),
	})
	nt := &fakeNotifier{}
	jobs := &fakeJobs{}
	svc := newTestService(st, &fakeProvider{}, nt, jobs)

	err := svc.HandleAccountLinked(ctx, LinkEvent{ProviderAccountID: "prov-acc-1", ApplicantID: "app-1", AccountName: "Renamed"})
	if err != nil {
		t.Fatalf("handle link: %v", err)
	}

	if got := st.account("prov-acc-1").AccountName; got != "Original" {
		t.Fatalf("duplicate webhook reset the account: %q", got)
	}
	if len(nt.events) != 0 || len(jobs.jobs()) != 0 {
		t.Fatalf("duplicate webhook produced work: events=%v jobs=%v", nt.events, jobs.jobs())
	}
}

func TestRelinkResetsSettledAccount(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	seedFintech(st)
	st.addAccount(models.BankAccount{
		ProviderAccountID:     "prov-acc-1",
		ApplicantID:           "app-1",
		EnrichmentStatus:      models.EnrichmentReady,
		IncomeData:            json.RawMessage(`{"old":true}`),
		StatementInsightsData: json.RawMessage(`{"old":true}`),
		UpdatedAt:             time.Now().Add(-time.Hour),
	})
	nt := &fakeNotifier{}
	jobs := &fakeJobs{}
	svc := newTestService(st, &fakeProvider{}, nt, jobs)

	if err := svc.HandleAccountLinked(ctx, LinkEvent{ProviderAccountID: "prov-acc-1", ApplicantID: "app-1"}); err != nil {
		t.Fatalf("handle link: %v", err)
	}

	acct := st.account("prov-acc-1")
	if acct.EnrichmentStatus != models.EnrichmentPending {
		t.Fatalf("relink did not reset status: %s", acct.EnrichmentStatus)
	}
	if acct.IncomeData != nil || acct.StatementInsightsData != nil {
		t.Fatalf("stale enrichment data survived relink")
	}
	if len(nt.byEvent(EventAccountLinked)) != 1 {
		t.Fatalf("account.linked not dispatched on relink")
	}
}

func TestIncomeForUnknownAccountIgnored(t *testing.T) {
	ctx := context.Background()
	nt := &fakeNotifier{}
	svc := newTestService(newFakeStore(), &fakeProvider{}, nt, &fakeJobs{})

	if err := svc.HandleIncome(ctx, IncomeEvent{ProviderAccountID: "ghost", Income: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unknown account should be swallowed: %v", err)
	}
	if len(nt.events) != 0 {
		t.Fatalf("unexpected dispatch: %v", nt.events)
	}
}

func TestIncomeAloneDoesNotFireReady(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	seedFintech(st)
	st.addAccount(models.BankAccount{ProviderAccountID: "prov-acc-1", ApplicantID: "app-1", EnrichmentStatus: models.EnrichmentPending})
	nt := &fakeNotifier{}
	svc := newTestService(st, &fakeProvider{}, nt, &fakeJobs{})

	if err := svc.HandleIncome(ctx, IncomeEvent{ProviderAccountID: "prov-acc-1", Income: json.RawMessage(`{"monthly":1000}`)}); err != nil {
		t.Fatalf("handle income: %v", err)
	}

	if got := st.account("prov-acc-1").EnrichmentStatus; got != models.EnrichmentPending {
		t.Fatalf("status = %s, want PENDING with only one enrichment stored", got)
	}
	if len(nt.byEvent(EventEnrichmentReady)) != 0 {
		t.Fatalf("ready fired with half the data")
	}
}

// Both enrichment paths racing to completion must announce readiness exactly
// once, no matter the interleaving.
func TestReadyAnnouncedExactlyOnceUnderRace(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	seedFintech(st)
	st.addAccount(models.BankAccount{
		ProviderAccountID:     "prov-acc-1",
		ApplicantID:           "app-1",
		EnrichmentStatus:      models.EnrichmentPending,
		StatementInsightsData: json.RawMessage(`{"insights":true}`),
	})
	nt := &fakeNotifier{}
	svc := newTestService(st, &fakeProvider{}, nt, &fakeJobs{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.HandleIncome(ctx, IncomeEvent{ProviderAccountID: "prov-acc-1", Income: json.RawMessage(`{"monthly":1000}`)})
		}()
	}
	wg.Wait()

	if got := len(nt.byEvent(EventEnrichmentReady)); got != 1 {
		t.Fatalf("enrichment_ready dispatched %d times, want exactly 1", got)
	}
	if got := st.account("prov-acc-1").EnrichmentStatus; got != models.EnrichmentReady {
		t.Fatalf("status = %s, want READY", got)
	}
}

func TestReauthorisedBumpsStalenessClock(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	seedFintech(st)
	st.addAccount(models.BankAccount{
		ProviderAccountID: "prov-acc-1",
		ApplicantID:       "app-1",
		EnrichmentStatus:  models.EnrichmentPending,
		UpdatedAt:         time.Now().Add(-time.Hour),
	})
	svc := newTestService(st, &fakeProvider{}, &fakeNotifier{}, &fakeJobs{})

	if err := svc.HandleReauthorised(ctx, "prov-acc-1"); err != nil {
		t.Fatalf("reauthorise: %v", err)
	}
	if age := time.Since(st.account("prov-acc-1").UpdatedAt); age > time.Minute {
		t.Fatalf("updated_at not refreshed, age %s", age)
	}
}
