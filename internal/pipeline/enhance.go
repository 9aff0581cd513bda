package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/oficio-cli/internal/config"
	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/pkg/anthropic"
)

const bodyPromptLimit = 2000

const enhancerSystemPrompt = `You extract structured data from Brazilian legal notices ("ofícios") received by email.

Respond with a single JSON object and nothing else:
{
  "numero": string|null,        // notice number, digits only
  "processo": string|null,      // case number NNNNNNN-NN.NNNN.N.NN.NNNN
  "autoridade": string|null,    // issuing court or authority
  "prazo": string|null,         // response deadline, ISO-8601 at 23:59:59
  "descricao": string|null,     // one-paragraph summary of what is requested
  "confidence": number,         // 0-100, overall certainty
  "needsReview": boolean,
  "field_confidence": {"numero": number, ...}  // optional, 0-1 per field
}

Rules:
- Use null for any field you cannot find. Never guess.
- Only report confidence above 80 when every field you return is certain.
- Always give prazo as the end of the day (23:59:59) in ISO-8601.
- Resolve relative deadlines ("em 5 dias", "within 10 business days") to an absolute date counted from the message date.
- Set needsReview to true whenever numero or processo is missing or you are unsure.`

// Enhancement is the AI enhancer's output.
type Enhancement struct {
	Record     model.CandidateRecord
	Confidence model.FieldConfidence
	// Ran is true when the enhancer was consulted, even if it failed.
	Ran    bool
	Failed bool
	Usage  anthropic.TokenUsage
}

// Enhancer fills gaps in a heuristic record with an LLM call.
type Enhancer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	limiter   *rate.Limiter
	loc       *time.Location
}

// NewEnhancer creates an enhancer. A nil client disables it.
func NewEnhancer(client anthropic.Client, cfg config.AnthropicConfig, loc *time.Location) *Enhancer {
	if loc == nil {
		loc = time.Local
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	timeout := config.Seconds(cfg.TimeoutSecs)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Enhancer{
		client:    client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		timeout:   timeout,
		limiter:   rate.NewLimiter(limit, burst),
		loc:       loc,
	}
}

// Enabled reports whether an LLM client is configured.
func (e *Enhancer) Enabled() bool {
	return e != nil && e.client != nil
}

// ShouldRun reports whether a heuristic record warrants an LLM pass.
func ShouldRun(rec model.CandidateRecord) bool {
	return rec.Confidence < model.AutoImportThreshold || rec.NeedsReview
}

// Enhance asks the LLM for the fields of msg. A record that does not need
// it is returned unchanged with Ran false. Errors never escape: a failed
// call yields a zero-confidence record that needs review.
func (e *Enhancer) Enhance(ctx context.Context, msg model.RawMessage, heuristic model.CandidateRecord) Enhancement {
	if !ShouldRun(heuristic) || !e.Enabled() {
		return Enhancement{Record: heuristic}
	}

	log := zap.L().With(zap.String("message_id", msg.ID))

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.call(ctx, msg)
	if err != nil {
		log.Warn("pipeline: enhancer failed, routing to review", zap.Error(err))
		return Enhancement{
			Record:     model.CandidateRecord{Confidence: 0, NeedsReview: true},
			Confidence: model.FieldConfidence{},
			Ran:        true,
			Failed:     true,
		}
	}
	out.Ran = true
	out.Usage.LogCost(e.model, msg.ID)
	return out
}

func (e *Enhancer) call(ctx context.Context, msg model.RawMessage) (Enhancement, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Enhancement{}, eris.Wrap(err, "pipeline: enhancer rate limit")
	}

	temp := 0.0
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       e.model,
		MaxTokens:   e.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(enhancerSystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: e.buildPrompt(msg)}},
		Temperature: &temp,
	})
	if err != nil {
		return Enhancement{}, eris.Wrap(err, "pipeline: enhancer call")
	}

	enh, err := e.parse(resp.Text())
	if err != nil {
		return Enhancement{}, err
	}
	enh.Usage = resp.Usage
	return enh, nil
}

func (e *Enhancer) buildPrompt(msg model.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Sender: %s\n", msg.Sender)
	if !msg.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Message date: %s\n", msg.ReceivedAt.In(e.loc).Format("2006-01-02"))
	}
	if names := msg.AttachmentNames(); len(names) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("\nBody:\n")
	b.WriteString(truncateRunes(msg.BodyText, bodyPromptLimit))
	return b.String()
}

// aiRecord is the JSON contract the model answers with.
type aiRecord struct {
	Numero          *string            `json:"numero"`
	Processo        *string            `json:"processo"`
	Autoridade      *string            `json:"autoridade"`
	Prazo           *string            `json:"prazo"`
	Descricao       *string            `json:"descricao"`
	Confidence      float64            `json:"confidence"`
	NeedsReview     *bool              `json:"needsReview"`
	FieldConfidence map[string]float64 `json:"field_confidence"`
}

func (e *Enhancer) parse(text string) (Enhancement, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return Enhancement{}, eris.New("pipeline: enhancer returned no content")
	}
	var raw aiRecord
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return Enhancement{}, eris.Wrap(err, "pipeline: parse enhancer json")
	}

	rec := model.CandidateRecord{
		Numero:     deref(raw.Numero),
		Processo:   deref(raw.Processo),
		Autoridade: deref(raw.Autoridade),
		Descricao:  deref(raw.Descricao),
		Confidence: int(raw.Confidence + 0.5),
	}
	if raw.Confidence < 0 {
		rec.Confidence = 0
	}
	if p := deref(raw.Prazo); p != "" {
		rec.Prazo, _ = normalizeISODeadline(p, e.loc)
	}
	rec.NeedsReview = raw.NeedsReview == nil || *raw.NeedsReview
	rec.Normalize()

	fc := model.FieldConfidence{}
	for field, v := range raw.FieldConfidence {
		if rec.Get(field) != "" {
			fc.Set(field, v)
		}
	}
	return Enhancement{Record: rec, Confidence: fc}, nil
}

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// normalizeISODeadline pins an ISO-8601 date or timestamp to 23:59:59 of
// the same calendar day in loc.
func normalizeISODeadline(s string, loc *time.Location) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		var t time.Time
		var err error
		if layout == time.RFC3339 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err != nil {
			continue
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 23, 59, 59, 0, loc).Format(time.RFC3339), true
	}
	return "", false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
