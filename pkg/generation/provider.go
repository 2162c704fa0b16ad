package generation

import "context"

// ProviderRequest describes the work handed to the external compute provider.
type ProviderRequest struct {
	JobID  string
	UserID string
	Prompt string
}

// Provider is the boundary to the external compute service that actually
// renders images and video. CreateJob must be called strictly outside the
// credit balance section; FetchJob backs the recovery poll.
type Provider interface {
	// CreateJob submits work and returns the provider's job ID.
	CreateJob(ctx context.Context, req *ProviderRequest) (string, error)

	// FetchJob returns the terminal outcome for a provider job, or nil
	// while the job is still running.
	FetchJob(ctx context.Context, externalJobID string) (*Outcome, error)
}

// Notifier receives package status change events. Delivery semantics are
// the implementation's concern; the reconciler treats publishing as
// best-effort.
type Notifier interface {
	PublishPackageStatus(ctx context.Context, n *Notification) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) PublishPackageStatus(context.Context, *Notification) error { return nil }
