// Package api provides HTTP endpoints for the credit and generation
// surfaces: the provider callback, job submission, and read endpoints for
// jobs, packages, balances, and ledger history.
//
// Handlers read path parameters via http.Request.PathValue, so they mount
// on the standard library mux and on chi alike.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/outsidersgit/vibephoto-sub005/pkg/credits"
	"github.com/outsidersgit/vibephoto-sub005/pkg/generation"
)

const (
	maxUserIDLen        = 255
	maxCallbackBodySize = 1 << 20 // 1 MiB

	callbackStatusSucceeded = "succeeded"
)

// Handler provides HTTP endpoints for the credit and generation surfaces
type Handler struct {
	config Config
}

// HandleGenerationCallback accepts the provider's push notification and
// funnels it into the shared terminal path. A duplicate callback for an
// already-finished job still returns 200; the caller cannot distinguish
// winning from losing the race, and should not retry either way.
func (h *Handler) HandleGenerationCallback(w http.ResponseWriter, r *http.Request) {
	if h.config.CallbackToken != "" && r.Header.Get("X-Callback-Token") != h.config.CallbackToken {
		h.handleError(w, r, fmt.Errorf("invalid callback token"), http.StatusUnauthorized)
		return
	}

	var payload CallbackPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBodySize)).Decode(&payload); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid callback payload: %w", err), http.StatusBadRequest)
		return
	}
	if payload.JobID == "" {
		h.handleError(w, r, fmt.Errorf("callback missing job_id"), http.StatusBadRequest)
		return
	}

	err := h.config.Generation.ApplyOutcome(r.Context(), generation.SourceCallback, &generation.Outcome{
		ExternalJobID: payload.JobID,
		Succeeded:     payload.Status == callbackStatusSucceeded,
		ResultRefs:    payload.ResultURLs,
		Error:         payload.Error,
	})
	if err != nil {
		if errors.Is(err, generation.ErrJobNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to apply callback: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitGeneration deducts credits and dispatches one generation job.
func (h *Handler) SubmitGeneration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var payload SubmitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid submission payload: %w", err), http.StatusBadRequest)
		return
	}

	job, err := h.config.Generation.Submit(r.Context(), &generation.SubmitRequest{
		UserID:    userID,
		PackageID: payload.PackageID,
		UnitCost:  payload.UnitCost,
		Prompt:    payload.Prompt,
	})
	if err != nil {
		switch {
		case errors.Is(err, credits.ErrInsufficientCredits):
			h.handleError(w, r, err, http.StatusPaymentRequired)
		case errors.Is(err, generation.ErrInvalidSubmission):
			h.handleError(w, r, err, http.StatusBadRequest)
		default:
			h.handleError(w, r, fmt.Errorf("submission failed: %w", err), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, jobResponse(job))
}

// CreatePackage creates a new generation batch.
func (h *Handler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var payload CreatePackagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid package payload: %w", err), http.StatusBadRequest)
		return
	}

	pkg, err := h.config.Generation.CreatePackage(r.Context(), userID, payload.TotalExpected)
	if err != nil {
		if errors.Is(err, generation.ErrInvalidSubmission) {
			h.handleError(w, r, err, http.StatusBadRequest)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to create package: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, packageResponse(pkg))
}

// GetJob returns one job record for progress display.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	job, err := h.config.Generation.GetJob(r.Context(), r.PathValue("jobID"))
	if err != nil {
		if errors.Is(err, generation.ErrJobNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to get job: %w", err), http.StatusInternalServerError)
		return
	}
	if job.UserID != userID {
		h.handleError(w, r, generation.ErrJobNotFound, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, jobResponse(job))
}

// GetPackage returns one package's derived status.
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	pkg, err := h.config.Generation.GetPackage(r.Context(), r.PathValue("packageID"))
	if err != nil {
		if errors.Is(err, generation.ErrPackageNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to get package: %w", err), http.StatusInternalServerError)
		return
	}
	if pkg.UserID != userID {
		h.handleError(w, r, generation.ErrPackageNotFound, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, packageResponse(pkg))
}

// GetBalance returns the user's combined credit availability.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	breakdown, err := h.config.Credits.Breakdown(r.Context(), userID)
	if err != nil {
		if errors.Is(err, credits.ErrAccountNotFound) {
			h.handleError(w, r, err, http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to get balance: %w", err), http.StatusInternalServerError)
		return
	}

	resp := BalanceResponse{
		UserID:                userID,
		Available:             breakdown.Available,
		SubscriptionRemaining: breakdown.SubscriptionRemaining,
		BundleBalance:         breakdown.BundleBalance,
	}
	if !breakdown.CycleExpiresAt.IsZero() {
		expires := breakdown.CycleExpiresAt
		resp.CycleExpiresAt = &expires
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetTransactions returns a page of the user's ledger history, newest first.
// Supports ?type=, ?source=, ?limit=, ?offset= query parameters.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	filter := credits.TransactionFilter{
		Type:   credits.TxType(r.URL.Query().Get("type")),
		Source: credits.TxSource(r.URL.Query().Get("source")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	txs, err := h.config.Credits.History(r.Context(), userID, filter)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get transactions: %w", err), http.StatusInternalServerError)
		return
	}

	resp := TransactionsResponse{
		UserID:       userID,
		Transactions: make([]TransactionResponse, 0, len(txs)),
	}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, TransactionResponse{
			ID:           tx.ID,
			Type:         string(tx.Type),
			Source:       string(tx.Source),
			Amount:       tx.Amount,
			BalanceAfter: tx.BalanceAfter,
			ReferenceID:  tx.ReferenceID,
			CreatedAt:    tx.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already sent; nothing left to do.
		_ = err
	}
}

func jobResponse(job *generation.Job) JobResponse {
	return JobResponse{
		ID:           job.ID,
		PackageID:    job.PackageID,
		Status:       string(job.Status),
		UnitCost:     job.UnitCost,
		ResultRefs:   job.ResultRefs,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
}

func packageResponse(pkg *generation.Package) PackageResponse {
	return PackageResponse{
		ID:             pkg.ID,
		Status:         string(pkg.Status),
		TotalExpected:  pkg.TotalExpected,
		GeneratedCount: pkg.GeneratedCount,
		FailedCount:    pkg.FailedCount,
		CreatedAt:      pkg.CreatedAt,
		CompletedAt:    pkg.CompletedAt,
	}
}
