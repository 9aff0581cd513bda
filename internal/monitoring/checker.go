package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/config"
	"github.com/sells-group/oficio-cli/internal/dispatch"
)

// Reconciler replays decisions held in the outbox.
type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (*dispatch.ReconcileResult, error)
}

// Checker runs the periodic snapshot, alert and reconcile loop.
type Checker struct {
	collector  *Collector
	alerter    *Alerter
	reconciler Reconciler
	cfg        config.MonitoringConfig
}

// NewChecker creates a background checker. A nil reconciler disables
// outbox replay.
func NewChecker(collector *Collector, alerter *Alerter, reconciler Reconciler, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector:  collector,
		alerter:    alerter,
		reconciler: reconciler,
		cfg:        cfg,
	}
}

// Run starts the periodic loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := config.Seconds(c.cfg.CheckIntervalSecs)
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting backlog checker",
		zap.Duration("interval", interval),
		zap.Bool("reconcile", c.reconcileEnabled()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var reconcileC <-chan time.Time
	if c.reconcileEnabled() {
		rt := time.NewTicker(config.Seconds(c.cfg.ReconcileIntervalSecs))
		defer rt.Stop()
		reconcileC = rt.C
	}

	c.check(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("backlog checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		case <-reconcileC:
			c.reconcile(ctx, log)
		}
	}
}

func (c *Checker) reconcileEnabled() bool {
	return c.reconciler != nil && c.cfg.ReconcileIntervalSecs > 0
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect stats", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}

func (c *Checker) reconcile(ctx context.Context, log *zap.Logger) {
	limit := c.cfg.ReconcileBatch
	if limit <= 0 {
		limit = 50
	}
	res, err := c.reconciler.Reconcile(ctx, limit)
	if err != nil {
		log.Error("monitoring: reconcile failed", zap.Error(err))
		return
	}
	if res.Scanned > 0 {
		log.Info("monitoring: reconcile pass complete",
			zap.Int("scanned", res.Scanned),
			zap.Int("synced", res.Synced),
			zap.Int("failed", res.Failed),
		)
	}
}
