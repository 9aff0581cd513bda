package dispatch

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/resilience"
)

// ReconcileResult summarizes one outbox replay.
type ReconcileResult struct {
	Scanned int `json:"scanned"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// Reconcile replays decisions that were written on the fallback path to the
// primary service, reusing their original idempotency keys. Entries that
// sync clear the oficio's sync_pending flag; the rest keep their place in
// the outbox with the failure recorded. An open circuit stops the replay.
func (d *Dispatcher) Reconcile(ctx context.Context, limit int) (*ReconcileResult, error) {
	if d.primary == nil {
		return nil, errPrimaryUnconfigured
	}

	entries, err := d.store.ListPendingOutbox(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: list pending outbox")
	}

	res := &ReconcileResult{Scanned: len(entries)}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "dispatch: reconcile interrupted")
		}
		log := zap.L().With(
			zap.String("outbox_id", e.ID),
			zap.String("oficio_id", e.OficioID),
			zap.String("action", e.Request.Action),
		)

		_, err := d.callPrimary(ctx, e.Request, e.IdempotencyKey)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			log.Warn("dispatch: circuit open, stopping reconcile")
			break
		}
		if err != nil {
			res.Failed++
			log.Warn("dispatch: replay failed", zap.Int("attempts", e.Attempts+1), zap.Error(err))
			if markErr := d.store.MarkOutboxFailed(ctx, e.ID, err.Error()); markErr != nil {
				return res, eris.Wrapf(markErr, "dispatch: mark outbox %s failed", e.ID)
			}
			continue
		}

		if err := d.store.MarkOutboxSynced(ctx, e.ID); err != nil {
			return res, eris.Wrapf(err, "dispatch: mark outbox %s synced", e.ID)
		}
		res.Synced++
		log.Info("dispatch: replayed decision to primary")
	}

	zap.L().Info("dispatch: reconcile complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
