// Package dispatch delivers reviewer decisions to the primary decision
// service, falling back to the secondary datastore when the primary is
// unreachable and replaying those fallbacks later.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/config"
	"github.com/sells-group/oficio-cli/internal/metrics"
	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/resilience"
	"github.com/sells-group/oficio-cli/internal/store"
	"github.com/sells-group/oficio-cli/pkg/decisionapi"
)

// Delivery paths, used as the metrics path label.
const (
	PathPrimary   = "primary"
	PathFallback  = "fallback"
	PathDuplicate = "duplicate"
	PathRejected  = "rejected"
)

// errPrimaryUnconfigured routes every decision to the fallback path.
var errPrimaryUnconfigured = eris.New("dispatch: primary service not configured")

// Result is the outcome of a dispatched decision.
type Result struct {
	Status         string `json:"status"`
	Fallback       bool   `json:"fallback"`
	Mirrored       bool   `json:"mirrored"`
	Duplicate      bool   `json:"duplicate"`
	PrimaryStatus  int    `json:"primary_status,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Dispatcher sends decisions primary-first.
type Dispatcher struct {
	primary decisionapi.Client
	store   store.Store
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
}

// New creates a Dispatcher. A nil primary client sends every decision
// straight to the fallback path.
func New(primary decisionapi.Client, st store.Store, cfg config.PrimaryConfig) *Dispatcher {
	m := metrics.Get()

	bc := resilience.PrimaryBreakerConfig(cfg)
	bc.ShouldTrip = isUnavailable
	bc.OnStateChange = func(name string, from, to resilience.CircuitState) {
		m.BreakerState.Set(float64(to))
		zap.L().Warn("dispatch: circuit breaker state change",
			zap.String("upstream", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}

	return &Dispatcher{
		primary: primary,
		store:   st,
		breaker: resilience.NewCircuitBreaker(bc),
		retry:   resilience.PrimaryRetryConfig(cfg),
		metrics: m,
	}
}

// BreakerState reports the primary circuit state.
func (d *Dispatcher) BreakerState() resilience.CircuitState {
	return d.breaker.State()
}

// Dispatch delivers one decision. A replay of an already-applied decision
// reports Duplicate without touching either datastore. Upstream 4xx
// answers are returned as *decisionapi.StatusError.
func (d *Dispatcher) Dispatch(ctx context.Context, dec model.Decision) (*Result, error) {
	if dec.Action == nil {
		return nil, eris.New("dispatch: decision has no action")
	}
	action := string(dec.Action.Kind())
	key := dec.IdempotencyKey()
	log := zap.L().With(
		zap.String("oficio_id", dec.OficioID),
		zap.String("org_id", dec.OrgID),
		zap.String("action", action),
	)

	claimed, err := d.store.ClaimKey(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: claim key for oficio %s", dec.OficioID)
	}
	if !claimed {
		log.Info("dispatch: duplicate decision ignored")
		d.metrics.RecordDecision(action, PathDuplicate)
		return &Result{Status: "ok", Duplicate: true, IdempotencyKey: key}, nil
	}

	res, err := d.deliver(ctx, dec, key, log)
	if err != nil {
		// A failed dispatch must stay retryable.
		if relErr := d.store.ReleaseKey(context.WithoutCancel(ctx), key); relErr != nil {
			log.Error("dispatch: release idempotency key", zap.Error(relErr))
		}
		return nil, err
	}
	res.IdempotencyKey = key
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, dec model.Decision, key string, log *zap.Logger) (*Result, error) {
	action := string(dec.Action.Kind())

	pres, err := d.callPrimary(ctx, dec.Wire(), key)
	if err == nil {
		d.metrics.RecordDecision(action, PathPrimary)
		mirrored := d.mirror(ctx, dec, log)
		log.Info("dispatch: decision accepted by primary", zap.Bool("mirrored", mirrored))
		return &Result{Status: "ok", Mirrored: mirrored, PrimaryStatus: pres.Code}, nil
	}

	if se, ok := decisionapi.AsStatusError(err); ok && se.Code < 500 {
		d.metrics.RecordDecision(action, PathRejected)
		log.Warn("dispatch: primary rejected decision", zap.Int("status", se.Code))
		return nil, se
	}
	if errors.Is(err, context.Canceled) {
		return nil, eris.Wrap(err, "dispatch: cancelled")
	}

	log.Warn("dispatch: primary unavailable, writing fallback", zap.Error(err))
	t := TransitionFor(dec)
	pending := true
	t.SyncPending = &pending
	entry := store.OutboxEntry{
		OficioID:       dec.OficioID,
		OrgID:          dec.OrgID,
		IdempotencyKey: key,
		Request:        dec.Wire(),
	}
	if err := d.store.ApplyFallback(ctx, t, entry); err != nil {
		return nil, eris.Wrapf(err, "dispatch: fallback write for oficio %s", dec.OficioID)
	}
	d.metrics.RecordDecision(action, PathFallback)
	return &Result{Status: "ok", Fallback: true}, nil
}

// mirror copies an accepted decision into the secondary datastore.
// Failures are logged only.
func (d *Dispatcher) mirror(ctx context.Context, dec model.Decision, log *zap.Logger) bool {
	if err := d.store.ApplyTransition(ctx, TransitionFor(dec)); err != nil {
		log.Error("dispatch: mirror to secondary failed", zap.Error(err))
		return false
	}
	return true
}

// callPrimary submits through the breaker and the retry policy. 5xx answers
// become transient so they are retried and trip the breaker.
func (d *Dispatcher) callPrimary(ctx context.Context, req model.DecisionRequest, key string) (*decisionapi.Result, error) {
	if d.primary == nil {
		return nil, errPrimaryUnconfigured
	}

	start := time.Now()
	res, err := resilience.ExecuteVal(ctx, d.breaker, func(ctx context.Context) (*decisionapi.Result, error) {
		return resilience.DoVal(ctx, d.retry, func(ctx context.Context) (*decisionapi.Result, error) {
			res, err := d.primary.SubmitDecision(ctx, req, key)
			if se, ok := decisionapi.AsStatusError(err); ok && se.Code >= 500 {
				return nil, resilience.NewTransientError(se, se.Code)
			}
			return res, err
		})
	})
	d.metrics.RecordPrimaryCall(primaryResult(err), time.Since(start).Seconds())
	return res, err
}

func primaryResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case !isUnavailable(err):
		return "rejected"
	default:
		return "unavailable"
	}
}

// isUnavailable reports whether a primary failure should fall back: any
// error other than a sub-500 answer or caller cancellation.
func isUnavailable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if se, ok := decisionapi.AsStatusError(err); ok {
		return se.Code >= 500
	}
	return true
}

// TransitionFor maps a decision onto the secondary datastore write.
// approve and reject set the status; add_context and assign_user only
// touch fields. Empty optional values are left untouched.
func TransitionFor(dec model.Decision) model.Transition {
	t := model.Transition{
		OficioID: dec.OficioID,
		OrgID:    dec.OrgID,
		UserID:   dec.UserID,
	}
	switch a := dec.Action.(type) {
	case model.ApproveCompliance:
		status := model.StatusApproved
		t.Status = &status
		t.DadosDeApoio = optional(a.DadosDeApoio)
		t.NotasInternas = optional(a.NotasInternas)
		t.AssignedUserID = optional(a.AssignedUserID)
		setReferencias(&t, a.ReferenciasLegais)
	case model.RejectCompliance:
		status := model.StatusRejected
		t.Status = &status
		t.Motivo = optional(a.Motivo)
		t.NotasInternas = optional(a.NotasInternas)
	case model.AddContext:
		t.DadosDeApoio = optional(a.DadosDeApoio)
		t.NotasInternas = optional(a.NotasInternas)
		setReferencias(&t, a.ReferenciasLegais)
	case model.AssignUser:
		t.AssignedUserID = optional(a.AssignedUserID)
	}
	return t
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func setReferencias(t *model.Transition, refs []string) {
	if len(refs) == 0 {
		return
	}
	t.ReferenciasLegais = refs
	t.SetReferencias = true
}
