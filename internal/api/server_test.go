package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lendgate/internal/broker"
	"lendgate/internal/config"
	"lendgate/internal/models"
	"lendgate/internal/progress"
	"lendgate/internal/store"
)

// fakeAppStore implements the conditional application transitions in memory.
type fakeAppStore struct {
	mu  sync.Mutex
	app store.ApplicationContext
}

func (f *fakeAppStore) ApplicationByID(_ context.Context, id string) (store.ApplicationContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.app.Application.ID != id {
		return store.ApplicationContext{}, store.ErrNotFound
	}
	return f.app, nil
}

func (f *fakeAppStore) MarkApplicationProcessing(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.app.Application.ID != id || f.app.Application.Status != models.ApplicationPending {
		return false, nil
	}
	f.app.Application.Status = models.ApplicationProcessing
	return true, nil
}

func (f *fakeAppStore) ResetApplicationToPending(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.app.Application.ID != id || f.app.Application.Status != models.ApplicationProcessing {
		return false, nil
	}
	f.app.Application.Status = models.ApplicationPending
	return true, nil
}

func (f *fakeAppStore) DeliveryByID(context.Context, string) (models.WebhookDelivery, error) {
	return models.WebhookDelivery{}, store.ErrNotFound
}

func (f *fakeAppStore) status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.app.Application.Status
}

func testRouter(t *testing.T, st Store) (http.Handler, *broker.RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{MaxAttempts: 5}
	jobs := broker.New(client, cfg)
	hub := progress.NewHub(client, "test:progress")

	srv := New(cfg, st, nil, jobs, hub, nil)
	return srv.Router(), jobs, mr
}

func pendingApp(id string) *fakeAppStore {
	return &fakeAppStore{app: store.ApplicationContext{
		Application: models.Application{ID: id, ApplicantID: "app-1", Status: models.ApplicationPending},
		FintechID:   "ft-1",
	}}
}

func TestHealthz(t *testing.T) {
	router, _, _ := testRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnknownProviderEventIsAcknowledged(t *testing.T) {
	router, _, _ := testRouter(t, nil)

	body := strings.NewReader(`{"event":"account.something_new","data":{}}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/provider/webhooks", body))

	// Unknown events must be 2xx or the provider will redeliver forever.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMalformedProviderWebhookRejected(t *testing.T) {
	router, _, _ := testRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/provider/webhooks", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEventsRequiresClientID(t *testing.T) {
	router, _, _ := testRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAnalyzeAcceptsThenConflictsOnResubmit(t *testing.T) {
	st := pendingApp("loan-1")
	router, _, _ := testRouter(t, st)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/applications/loan-1/analyze", strings.NewReader(`{"client_id":"conn-1"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if st.status() != models.ApplicationProcessing {
		t.Fatalf("application not claimed: %s", st.status())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/applications/loan-1/analyze", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("resubmit status = %d, want 409", rec.Code)
	}
}

func TestAnalyzeUnknownApplication(t *testing.T) {
	router, _, _ := testRouter(t, pendingApp("loan-1"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/applications/ghost/analyze", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// An enqueue failure must release the PROCESSING claim, otherwise no worker
// job exists to settle the row and every resubmission would 409 forever.
func TestAnalyzeEnqueueFailureReleasesClaim(t *testing.T) {
	st := pendingApp("loan-1")
	router, _, mr := testRouter(t, st)

	// Take Redis down so the enqueue fails after the claim.
	mr.Close()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/applications/loan-1/analyze", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if st.status() != models.ApplicationPending {
		t.Fatalf("claim not released: %s", st.status())
	}
}

func TestDeadQueueEndpoint(t *testing.T) {
	router, jobs, _ := testRouter(t, nil)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	// Drive one job into the dead set.
	if _, err := jobs.Enqueue(ctx, "webhooks", "deliver-webhook", nil, broker.Options{MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := jobs.DequeueWithLease(ctx, "webhooks")
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if _, err := jobs.Fail(ctx, job, http.ErrHandlerTimeout); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queues/dead", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), job.ID) {
		t.Fatalf("dead job missing from response: %s", rec.Body.String())
	}
}
