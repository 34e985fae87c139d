// internal/reconcile/worker.go
// Package reconcile periodically reconciles outstanding allocations against
// the external claim authority. Codes confirmed claimed get their claimant
// identity recorded; allocations the authority still shows as unclaimed
// accumulate failed checks and are eventually rolled back to the pool.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/moclas17/poap.cards/internal/authority"
	"github.com/moclas17/poap.cards/internal/ens"
	"github.com/moclas17/poap.cards/internal/event"
	"github.com/moclas17/poap.cards/internal/metrics"
	"github.com/moclas17/poap.cards/internal/model"
	"github.com/moclas17/poap.cards/internal/storage"
)

// Options bounds one reconciliation run.
type Options struct {
	BatchSize       int           // Max codes examined per run
	ItemDelay       time.Duration // Pause between authority calls
	ItemTimeout     time.Duration // Per-item bound on authority latency
	MaxFailedChecks int           // Consecutive unclaimed checks before rollback
}

// Worker runs reconciliation passes over unattributed codes.
type Worker struct {
	store     storage.Store
	client    *authority.Client
	resolver  *ens.Resolver
	publisher event.Publisher
	reporter  *Reporter
	metrics   *metrics.Metrics
	opts      Options
}

// NewWorker creates a reconciliation worker. The resolver may be nil to
// skip claimant name backfill, the reporter nil to disable run report
// uploads.
func NewWorker(store storage.Store, client *authority.Client, resolver *ens.Resolver, publisher event.Publisher, reporter *Reporter, m *metrics.Metrics, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxFailedChecks < 1 {
		opts.MaxFailedChecks = 2
	}
	return &Worker{
		store:     store,
		client:    client,
		resolver:  resolver,
		publisher: publisher,
		reporter:  reporter,
		metrics:   m,
		opts:      opts,
	}
}

// RunLoop runs reconciliation on a fixed interval until the context is
// cancelled. Run errors are logged, never fatal to the loop.
func (w *Worker) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("reconciliation loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			if _, err := w.Run(ctx, "schedule"); err != nil {
				slog.Error("reconciliation run failed", "error", err)
			}
		}
	}
}

// Run executes one reconciliation pass. Per-item failures are isolated:
// they count in the stats and the run continues with the next code.
func (w *Worker) Run(ctx context.Context, trigger string) (model.ReconcileStats, error) {
	start := time.Now().UTC()
	stats := model.ReconcileStats{StartedAt: start}

	codes, err := w.store.ListUnattributedCodes(ctx, w.opts.BatchSize)
	if err != nil {
		w.observeRun(trigger, "error", start)
		return stats, err
	}

	var items []itemOutcome
	for i, code := range codes {
		if i > 0 && w.opts.ItemDelay > 0 {
			select {
			case <-ctx.Done():
				stats.FinishedAt = time.Now().UTC()
				w.observeRun(trigger, "cancelled", start)
				return stats, ctx.Err()
			case <-time.After(w.opts.ItemDelay):
			}
		}

		outcome, detail := w.reconcileOne(ctx, code, &stats)
		items = append(items, itemOutcome{CodeID: code.ID, QRHash: code.QRHash, Outcome: outcome, Detail: detail})
		w.observeItem(outcome)
		stats.Processed++
	}

	stats.FinishedAt = time.Now().UTC()
	slog.Info("reconciliation run finished",
		"trigger", trigger,
		"processed", stats.Processed,
		"claimed", stats.Claimed,
		"pending", stats.Pending,
		"rolledBack", stats.RolledBack,
		"errors", stats.Errors,
		"duration", stats.FinishedAt.Sub(start))

	if err := w.publisher.PublishReconcileRun(ctx, stats); err != nil {
		slog.Warn("failed to publish reconcile run event", "error", err)
	}
	if w.reporter != nil {
		if err := w.reporter.Upload(ctx, trigger, stats, items); err != nil {
			slog.Warn("failed to upload reconcile run report", "error", err)
		}
	}

	w.observeRun(trigger, "ok", start)
	return stats, nil
}

// reconcileOne resolves the authority's view of one code and applies it.
// Returns an outcome label and optional detail for the run report.
func (w *Worker) reconcileOne(ctx context.Context, code model.Code, stats *model.ReconcileStats) (string, string) {
	itemCtx := ctx
	if w.opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, w.opts.ItemTimeout)
		defer cancel()
	}

	status, err := w.client.ClaimInfo(itemCtx, code.QRHash)
	if err != nil {
		stats.Errors++
		slog.Warn("claim lookup failed", "codeId", code.ID, "error", err)
		return "error", err.Error()
	}

	if status.Found && status.Claimed {
		return w.applyClaim(itemCtx, code, status, stats)
	}

	// The authority still shows the code unclaimed. Claimed codes missing
	// identity stay as they are; allocations accumulate strikes.
	if code.State != model.CodeAllocated {
		stats.Pending++
		return "pending", "claimed code, authority has no claimant yet"
	}

	n, err := w.store.IncrementFailedChecks(itemCtx, code.ID)
	if err != nil {
		stats.Errors++
		slog.Warn("failed to record missed check", "codeId", code.ID, "error", err)
		return "error", err.Error()
	}
	if n < w.opts.MaxFailedChecks {
		stats.Pending++
		return "pending", ""
	}

	// Enough consecutive misses: the hand-off was abandoned, put the code
	// back in the pool.
	if err := w.store.ReleaseCode(itemCtx, code.ID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Claim confirmed between our check and the rollback; leave it.
			stats.Pending++
			return "pending", "claim landed during rollback"
		}
		stats.Errors++
		slog.Warn("failed to release code", "codeId", code.ID, "error", err)
		return "error", err.Error()
	}
	stats.RolledBack++
	slog.Info("abandoned allocation rolled back", "codeId", code.ID, "failedChecks", n)

	if released, err := w.store.GetCode(itemCtx, code.ID); err == nil {
		if err := w.publisher.PublishCodeReleased(itemCtx, *released); err != nil {
			slog.Warn("failed to publish released event", "codeId", code.ID, "error", err)
		}
	}
	return "rolled_back", ""
}

// applyClaim records a confirmed redemption discovered by reconciliation.
func (w *Worker) applyClaim(ctx context.Context, code model.Code, status *authority.ClaimStatus, stats *model.ReconcileStats) (string, string) {
	identity := model.ClaimantIdentity{ENSName: status.ENSName, Email: status.Email}
	if ens.IsAddress(status.Beneficiary) {
		identity.Address = ens.Checksum(status.Beneficiary)
	} else {
		identity.Address = status.Beneficiary
	}

	// The authority often omits the primary name; backfill it from the
	// claimant address, best effort.
	if identity.ENSName == "" && w.resolver != nil && ens.IsAddress(identity.Address) {
		identity.ENSName = w.resolver.Reverse(ctx, identity.Address)
	}

	claimedAt := status.ClaimedAt
	if claimedAt.IsZero() {
		claimedAt = time.Now().UTC()
	}

	var err error
	if code.State == model.CodeAllocated {
		err = w.store.MarkCodeClaimed(ctx, code.ID, identity, claimedAt)
	} else {
		err = w.store.SetCodeClaimant(ctx, code.ID, identity)
	}
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another writer got there first, nothing left to do
			stats.Pending++
			return "pending", "state changed during reconciliation"
		}
		stats.Errors++
		slog.Warn("failed to record reconciled claim", "codeId", code.ID, "error", err)
		return "error", err.Error()
	}

	if err := w.store.MarkReadMintedByCode(ctx, code.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("failed to mark ledger entry minted", "codeId", code.ID, "error", err)
	}

	stats.Claimed++
	slog.Info("claim reconciled", "codeId", code.ID, "claimer", identity.Address)

	if updated, err := w.store.GetCode(ctx, code.ID); err == nil {
		if err := w.publisher.PublishCodeClaimed(ctx, *updated); err != nil {
			slog.Warn("failed to publish claimed event", "codeId", code.ID, "error", err)
		}
	}
	return "claimed", ""
}

func (w *Worker) observeRun(trigger, status string, start time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.ReconcileRunTotal.WithLabelValues(trigger, status).Inc()
	w.metrics.ReconcileRunDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
}

func (w *Worker) observeItem(outcome string) {
	if w.metrics == nil {
		return
	}
	w.metrics.ReconcileItemTotal.WithLabelValues(outcome).Inc()
}
