package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
	"github.com/outsidersgit/vibephoto-sub005/pkg/generation"
	"github.com/outsidersgit/vibephoto-sub005/storage/memory"
)

const testUserID = "user123"

type stubProvider struct {
	fail bool
}

func (p *stubProvider) CreateJob(_ context.Context, req *generation.ProviderRequest) (string, error) {
	return "ext-" + req.JobID, nil
}

func (p *stubProvider) FetchJob(context.Context, string) (*generation.Outcome, error) {
	return nil, nil
}

func newTestHandler(t *testing.T) (*Handler, *credits.Manager, *generation.Service) {
	t.Helper()

	storage := memory.New()
	manager, err := credits.NewManager(storage, credits.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	reconciler, err := generation.NewReconciler(storage, generation.ReconcilerConfig{})
	if err != nil {
		t.Fatalf("Failed to create reconciler: %v", err)
	}
	service, err := generation.NewService(storage, manager, &stubProvider{}, reconciler, generation.Config{})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	handler, err := NewHandler(Config{
		Credits:    manager,
		Generation: service,
		GetUserID:  func(_ *http.Request) string { return testUserID },
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return handler, manager, service
}

func fundUser(t *testing.T, manager *credits.Manager, userID string, amount int) {
	t.Helper()
	_, err := manager.Credit(context.Background(), &credits.CreditRequest{
		UserID:         userID,
		Amount:         amount,
		Source:         credits.SourceSubscriptionRenewal,
		CycleExpiresAt: time.Now().UTC().AddDate(0, 1, 0),
		Metadata: &credits.TxMetadata{
			Kind:    credits.MetadataKindRenewal,
			Renewal: &credits.RenewalMetadata{NewLimit: amount},
		},
	})
	if err != nil {
		t.Fatalf("Failed to fund user: %v", err)
	}
}

func TestHandler_SubmitGeneration(t *testing.T) {
	handler, manager, _ := newTestHandler(t)
	fundUser(t, manager, testUserID, 100)

	req := httptest.NewRequest("POST", "/generations",
		strings.NewReader(`{"unit_cost": 10, "prompt": "a lighthouse"}`))
	w := httptest.NewRecorder()
	handler.SubmitGeneration(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var response JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Status != string(generation.JobStatusProcessing) {
		t.Errorf("Expected PROCESSING, got %s", response.Status)
	}
	if response.ID == "" {
		t.Error("Expected job ID in response")
	}

	available, _ := manager.Available(context.Background(), testUserID)
	if available != 90 {
		t.Errorf("Expected 90 available after submission, got %d", available)
	}
}

func TestHandler_SubmitGeneration_InsufficientCredits(t *testing.T) {
	handler, manager, _ := newTestHandler(t)
	fundUser(t, manager, testUserID, 5)

	req := httptest.NewRequest("POST", "/generations",
		strings.NewReader(`{"unit_cost": 10, "prompt": "too expensive"}`))
	w := httptest.NewRecorder()
	handler.SubmitGeneration(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_SubmitGeneration_BadPayload(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest("POST", "/generations", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()
	handler.SubmitGeneration(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_GenerationCallback(t *testing.T) {
	handler, manager, service := newTestHandler(t)
	fundUser(t, manager, testUserID, 100)

	job, err := service.Submit(context.Background(), &generation.SubmitRequest{
		UserID:   testUserID,
		UnitCost: 10,
		Prompt:   "a fox",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	body := `{"job_id": "` + job.ExternalJobID + `", "status": "succeeded", "result_urls": ["https://cdn.example.com/fox.png"]}`
	req := httptest.NewRequest("POST", "/callbacks/generation", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.HandleGenerationCallback(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := service.GetJob(context.Background(), job.ID)
	if got.Status != generation.JobStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}

	// A replayed callback is still a 200: the caller must not retry.
	req = httptest.NewRequest("POST", "/callbacks/generation", strings.NewReader(body))
	w = httptest.NewRecorder()
	handler.HandleGenerationCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on duplicate, got %d", w.Code)
	}
}

func TestHandler_GenerationCallback_FailureRefunds(t *testing.T) {
	handler, manager, service := newTestHandler(t)
	fundUser(t, manager, testUserID, 100)

	job, err := service.Submit(context.Background(), &generation.SubmitRequest{
		UserID:   testUserID,
		UnitCost: 10,
		Prompt:   "a broken render",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	body := `{"job_id": "` + job.ExternalJobID + `", "status": "failed", "error": "content policy rejection"}`
	req := httptest.NewRequest("POST", "/callbacks/generation", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.HandleGenerationCallback(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	available, _ := manager.Available(context.Background(), testUserID)
	if available != 100 {
		t.Errorf("Expected refund back to 100, got %d", available)
	}
}

func TestHandler_GenerationCallback_UnknownJob(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest("POST", "/callbacks/generation",
		strings.NewReader(`{"job_id": "ext-unknown", "status": "succeeded"}`))
	w := httptest.NewRecorder()
	handler.HandleGenerationCallback(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", w.Code)
	}
}

func TestHandler_GenerationCallback_TokenAuth(t *testing.T) {
	storage := memory.New()
	manager, _ := credits.NewManager(storage, credits.Config{})
	reconciler, _ := generation.NewReconciler(storage, generation.ReconcilerConfig{})
	service, _ := generation.NewService(storage, manager, &stubProvider{}, reconciler, generation.Config{})

	handler, err := NewHandler(Config{
		Credits:       manager,
		Generation:    service,
		GetUserID:     func(_ *http.Request) string { return testUserID },
		CallbackToken: "secret",
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	req := httptest.NewRequest("POST", "/callbacks/generation",
		strings.NewReader(`{"job_id": "ext-1", "status": "succeeded"}`))
	w := httptest.NewRecorder()
	handler.HandleGenerationCallback(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/callbacks/generation",
		strings.NewReader(`{"job_id": "ext-1", "status": "succeeded"}`))
	req.Header.Set("X-Callback-Token", "secret")
	w = httptest.NewRecorder()
	handler.HandleGenerationCallback(w, req)
	// Token accepted; the unknown job is the remaining failure.
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404 with valid token, got %d", w.Code)
	}
}

func TestHandler_GetBalance(t *testing.T) {
	handler, manager, _ := newTestHandler(t)
	fundUser(t, manager, testUserID, 100)

	_, err := manager.Credit(context.Background(), &credits.CreditRequest{
		UserID:     testUserID,
		Amount:     50,
		Source:     credits.SourceBundlePurchase,
		ValidUntil: time.Now().UTC().AddDate(0, 0, 30),
		Metadata: &credits.TxMetadata{
			Kind:     credits.MetadataKindPurchase,
			Purchase: &credits.PurchaseMetadata{},
		},
	})
	if err != nil {
		t.Fatalf("Failed to grant bundle: %v", err)
	}

	req := httptest.NewRequest("GET", "/balance", http.NoBody)
	w := httptest.NewRecorder()
	handler.GetBalance(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Available != 150 {
		t.Errorf("Expected 150 available, got %d", response.Available)
	}
	if response.SubscriptionRemaining != 100 {
		t.Errorf("Expected 100 subscription remaining, got %d", response.SubscriptionRemaining)
	}
	if response.BundleBalance != 50 {
		t.Errorf("Expected 50 bundle balance, got %d", response.BundleBalance)
	}
	if response.CycleExpiresAt == nil {
		t.Error("Expected cycle expiry in response")
	}
}

func TestHandler_GetBalance_ConfiguredGraceWindow(t *testing.T) {
	storage := memory.New()
	manager, err := credits.NewManager(storage, credits.Config{GraceWindow: 48 * time.Hour})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	reconciler, _ := generation.NewReconciler(storage, generation.ReconcilerConfig{})
	service, _ := generation.NewService(storage, manager, &stubProvider{}, reconciler, generation.Config{})

	handler, err := NewHandler(Config{
		Credits:    manager,
		Generation: service,
		GetUserID:  func(_ *http.Request) string { return testUserID },
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	// The cycle lapsed 30 hours ago: dead under the default grace window,
	// alive under the configured 48h one. The breakdown must follow the
	// manager's configuration, not the default.
	err = manager.Provision(context.Background(), &credits.Account{
		UserID:         testUserID,
		CreditsLimit:   100,
		CreditsUsed:    20,
		CycleExpiresAt: time.Now().UTC().Add(-30 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/balance", http.NoBody)
	w := httptest.NewRecorder()
	handler.GetBalance(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Available != 80 {
		t.Errorf("Expected 80 available, got %d", response.Available)
	}
	if response.SubscriptionRemaining != 80 {
		t.Errorf("Expected 80 subscription remaining, got %d", response.SubscriptionRemaining)
	}
	if response.BundleBalance != 0 {
		t.Errorf("Expected 0 bundle balance, got %d", response.BundleBalance)
	}
}

func TestHandler_GetBalance_UnknownUser(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest("GET", "/balance", http.NoBody)
	w := httptest.NewRecorder()
	handler.GetBalance(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", w.Code)
	}
}

func TestHandler_GetJob_OwnershipEnforced(t *testing.T) {
	handler, manager, service := newTestHandler(t)
	fundUser(t, manager, "someone-else", 100)

	job, err := service.Submit(context.Background(), &generation.SubmitRequest{
		UserID:   "someone-else",
		UnitCost: 10,
		Prompt:   "not yours",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The handler authenticates as testUserID; another user's job reads
	// as not found rather than forbidden.
	req := httptest.NewRequest("GET", "/jobs/"+job.ID, http.NoBody)
	req.SetPathValue("jobID", job.ID)
	w := httptest.NewRecorder()
	handler.GetJob(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404 for foreign job, got %d", w.Code)
	}
}

func TestHandler_GetTransactions(t *testing.T) {
	handler, manager, service := newTestHandler(t)
	fundUser(t, manager, testUserID, 100)

	if _, err := service.Submit(context.Background(), &generation.SubmitRequest{
		UserID:   testUserID,
		UnitCost: 10,
		Prompt:   "ledger entry",
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/transactions?type=SPENT", http.NoBody)
	w := httptest.NewRecorder()
	handler.GetTransactions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response TransactionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(response.Transactions) != 1 {
		t.Fatalf("Expected 1 SPENT transaction, got %d", len(response.Transactions))
	}
	if response.Transactions[0].Amount != -10 {
		t.Errorf("Expected amount -10, got %d", response.Transactions[0].Amount)
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	storage := memory.New()
	manager, _ := credits.NewManager(storage, credits.Config{})
	reconciler, _ := generation.NewReconciler(storage, generation.ReconcilerConfig{})
	service, _ := generation.NewService(storage, manager, &stubProvider{}, reconciler, generation.Config{})

	handler, err := NewHandler(Config{
		Credits:    manager,
		Generation: service,
		GetUserID:  func(_ *http.Request) string { return "" },
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	req := httptest.NewRequest("GET", "/balance", http.NoBody)
	w := httptest.NewRecorder()
	handler.GetBalance(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", w.Code)
	}
}
