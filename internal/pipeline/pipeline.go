package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/oficio-cli/internal/config"
	"github.com/sells-group/oficio-cli/internal/metrics"
	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/resilience"
	"github.com/sells-group/oficio-cli/internal/store"
	"github.com/sells-group/oficio-cli/pkg/intake"
)

// Outcome is the per-message result of an ingest run.
type Outcome string

const (
	OutcomeImported    Outcome = "imported"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
)

// ErrOrgRequired is returned when neither the trigger nor the config names
// an organization.
var ErrOrgRequired = eris.New("pipeline: org_id is required")

// Trigger starts one ingest run against a labelled mailbox.
type Trigger struct {
	Email       string `json:"email"`
	Label       string `json:"label"`
	OrgID       string `json:"org_id,omitempty"`
	OwnerUserID string `json:"-"`
}

// RunResult summarizes an ingest run.
type RunResult struct {
	Status      string `json:"status"`
	Scanned     int    `json:"scanned"`
	Bucket      string `json:"bucket"`
	Query       string `json:"query"`
	Imported    int    `json:"imported"`
	NeedsReview int    `json:"needs_review"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
}

// MessageResult is the outcome of processing one message.
type MessageResult struct {
	MessageID string
	OficioID  string
	Outcome   Outcome
	Gate      *GateResult
	Err       error
}

// Pipeline runs intake → extraction → enhancement → gate → import.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	intake    intake.Client
	extractor *Extractor
	enhancer  *Enhancer
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a new Pipeline with all dependencies. A nil enhancer skips
// the LLM pass.
func New(cfg *config.Config, st store.Store, intakeClient intake.Client, extractor *Extractor, enhancer *Enhancer) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		intake:    intakeClient,
		extractor: extractor,
		enhancer:  enhancer,
		metrics:   metrics.Get(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IngestKey is the idempotency key claimed before a message is imported.
func IngestKey(messageID string) string {
	sum := sha256.Sum256([]byte(messageID + "|ingest"))
	return "ingest:" + hex.EncodeToString(sum[:])
}

// Run lists the mailbox and processes every message through a bounded
// pool. A failing message is dead-lettered and never aborts the batch.
// Intake failures are returned so the caller can report degraded service.
func (p *Pipeline) Run(ctx context.Context, t Trigger) (*RunResult, error) {
	orgID := t.OrgID
	if orgID == "" {
		orgID = p.cfg.Ingest.DefaultOrgID
	}
	if orgID == "" {
		return nil, ErrOrgRequired
	}

	log := zap.L().With(zap.String("mailbox", t.Email), zap.String("label", t.Label), zap.String("org_id", orgID))
	log.Info("pipeline: starting ingest run")

	result := &RunResult{
		Status: "ok",
		Bucket: p.cfg.Intake.Bucket,
		Query:  "label:" + t.Label,
	}

	msgs, err := p.intake.ListMessages(ctx, t.Email, t.Label)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list messages")
	}
	result.Scanned = len(msgs)

	limit := p.cfg.Pipeline.Concurrency
	if limit < 1 {
		limit = 1
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(limit)

	for _, msg := range msgs {
		g.Go(func() error {
			res := p.Process(ctx, orgID, t.OwnerUserID, msg)

			mu.Lock()
			defer mu.Unlock()
			switch res.Outcome {
			case OutcomeImported:
				result.Imported++
			case OutcomeNeedsReview:
				result.NeedsReview++
			case OutcomeSkipped:
				result.Skipped++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("pipeline: ingest run complete",
		zap.Int("scanned", result.Scanned),
		zap.Int("imported", result.Imported),
		zap.Int("needs_review", result.NeedsReview),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// Process runs one message end to end. The idempotency key is claimed
// first so overlapping runs import a message at most once.
func (p *Pipeline) Process(ctx context.Context, orgID, ownerUserID string, msg model.RawMessage) MessageResult {
	log := zap.L().With(zap.String("message_id", msg.ID), zap.String("org_id", orgID))
	res := MessageResult{MessageID: msg.ID}

	key := IngestKey(msg.ID)
	claimed, err := p.store.ClaimKey(ctx, key)
	if err != nil {
		return p.fail(ctx, log, res, orgID, msg, "claim", err)
	}
	if !claimed {
		log.Debug("pipeline: message already ingested, skipping")
		res.Outcome = OutcomeSkipped
		p.metrics.RecordMessage(string(OutcomeSkipped))
		return res
	}

	h := p.extractor.Extract(msg)

	var ai Enhancement
	if p.enhancer != nil {
		ai = p.enhancer.Enhance(ctx, msg, h.Record)
		if ai.Ran {
			p.metrics.RecordEnhancer(!ai.Failed)
		}
	} else {
		ai = Enhancement{Record: h.Record}
	}

	gate := Gate(h, ai, p.cfg.Pipeline.AutoImportThreshold)
	res.Gate = &gate
	p.metrics.ExtractConfidence.Observe(float64(gate.Record.Confidence))

	now := p.now()
	o := &model.Oficio{
		ID:                uuid.New().String(),
		OrgID:             orgID,
		OwnerUserID:       ownerUserID,
		MessageID:         msg.ID,
		Subject:           msg.Subject,
		Sender:            msg.Sender,
		SourceText:        msg.SourceText(),
		Candidate:         gate.Record,
		FieldConfidence:   gate.Confidence,
		ValidationReasons: gate.Reasons,
		Status:            gate.Status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := p.store.ImportOficio(ctx, o); err != nil {
		if relErr := p.store.ReleaseKey(ctx, key); relErr != nil {
			log.Warn("pipeline: release ingest key failed", zap.Error(relErr))
		}
		return p.fail(ctx, log, res, orgID, msg, "import", err)
	}

	res.OficioID = o.ID
	res.Outcome = OutcomeImported
	if !gate.AutoImport {
		res.Outcome = OutcomeNeedsReview
	}
	p.metrics.RecordMessage(string(res.Outcome))

	log.Info("pipeline: message imported",
		zap.String("oficio_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.Int("confidence", gate.Record.Confidence),
		zap.Strings("reasons", gate.Reasons),
	)
	return res
}

func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, res MessageResult, orgID string, msg model.RawMessage, stage string, err error) MessageResult {
	log.Error("pipeline: message failed", zap.String("stage", stage), zap.Error(err))
	res.Outcome = OutcomeFailed
	res.Err = err
	p.metrics.RecordMessage(string(OutcomeFailed))

	entry := resilience.DLQEntry{
		OrgID:     orgID,
		MessageID: msg.ID,
		Subject:   msg.Subject,
		Stage:     stage,
		Error:     err.Error(),
		ErrorType: resilience.ClassifyError(err),
	}
	if dlqErr := p.store.EnqueueDLQ(ctx, entry); dlqErr != nil {
		log.Error("pipeline: dead-letter enqueue failed", zap.Error(dlqErr))
	}
	return res
}
