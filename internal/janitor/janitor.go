// Package janitor sweeps the state store for VMs that have outlived
// their TTL and tears them down through a caller-supplied destroy
// function.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/firetask/firetask/internal/state"
)

// DestroyFunc tears down one VM by ID. The janitor tolerates failures
// and retries on the next sweep.
type DestroyFunc func(ctx context.Context, vmID string) error

// Janitor periodically reaps expired VMs.
type Janitor struct {
	store      *state.Store
	destroy    DestroyFunc
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New creates a janitor. defaultTTL applies to VMs created without an
// explicit TTL.
func New(store *state.Store, destroy DestroyFunc, defaultTTL time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:      store,
		destroy:    destroy,
		defaultTTL: defaultTTL,
		logger:     logger.With("component", "janitor"),
	}
}

// Start runs a sweep immediately, then every interval until ctx is
// cancelled. It blocks; run it in a goroutine.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("janitor started", "interval", interval, "default_ttl", j.defaultTTL)

	j.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep destroys every expired VM. A failure on one VM does not stop
// the sweep; the VM stays in the store and is retried next time.
func (j *Janitor) sweep(ctx context.Context) {
	expired, err := j.store.ListExpiredVMs(ctx, j.defaultTTL)
	if err != nil {
		j.logger.Error("failed to list expired VMs", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	j.logger.Info("reaping expired VMs", "count", len(expired))

	for _, rec := range expired {
		age := time.Since(rec.CreatedAt).Round(time.Second)
		if err := j.destroy(ctx, rec.ID); err != nil {
			j.logger.Error("failed to destroy expired VM",
				"vm_id", rec.ID, "age", age, "error", err)
			continue
		}
		j.logger.Info("destroyed expired VM", "vm_id", rec.ID, "age", age)
	}
}
