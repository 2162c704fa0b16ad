package api

import "time"

// CallbackPayload is the provider's push notification for a finished job.
// Status carries the provider's vocabulary; anything other than "succeeded"
// is treated as failure.
type CallbackPayload struct {
	JobID      string   `json:"job_id"` // provider's job ID
	Status     string   `json:"status"` // "succeeded" or "failed"
	ResultURLs []string `json:"result_urls,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// SubmitPayload is the request body for a generation submission.
type SubmitPayload struct {
	PackageID string `json:"package_id,omitempty"`
	UnitCost  int    `json:"unit_cost"`
	Prompt    string `json:"prompt"`
}

// CreatePackagePayload is the request body for creating a batch.
type CreatePackagePayload struct {
	TotalExpected int `json:"total_expected"`
}

// JobResponse is the serialized view of one job record.
type JobResponse struct {
	ID           string     `json:"id"`
	PackageID    string     `json:"package_id,omitempty"`
	Status       string     `json:"status"`
	UnitCost     int        `json:"unit_cost"`
	ResultRefs   []string   `json:"result_refs,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// PackageResponse is the serialized view of one package.
type PackageResponse struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	TotalExpected  int        `json:"total_expected"`
	GeneratedCount int        `json:"generated_count"`
	FailedCount    int        `json:"failed_count"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// BalanceResponse is the combined availability view for a user.
type BalanceResponse struct {
	UserID                string     `json:"user_id"`
	Available             int        `json:"available"`
	SubscriptionRemaining int        `json:"subscription_remaining"`
	BundleBalance         int        `json:"bundle_balance"`
	CycleExpiresAt        *time.Time `json:"cycle_expires_at,omitempty"`
}

// TransactionResponse is one serialized ledger row.
type TransactionResponse struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	Amount       int       `json:"amount"`
	BalanceAfter int       `json:"balance_after"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransactionsResponse wraps a page of ledger history.
type TransactionsResponse struct {
	UserID       string                `json:"user_id"`
	Transactions []TransactionResponse `json:"transactions"`
}
