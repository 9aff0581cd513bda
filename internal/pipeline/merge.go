package pipeline

import (
	"fmt"

	"github.com/sells-group/oficio-cli/internal/model"
)

// GateResult is the merged record and the import decision for it.
type GateResult struct {
	Record     model.CandidateRecord `json:"record"`
	Confidence model.FieldConfidence `json:"field_confidence"`
	AutoImport bool                  `json:"auto_import"`
	Reasons    []string              `json:"reasons,omitempty"`
	Status     model.Status          `json:"status"`
}

// Merge combines the heuristic and AI results. Heuristic values win for
// numero, processo, autoridade and prazo; the AI wins for descricao. The
// per-field confidence follows whichever source supplied the value.
func Merge(h Extraction, ai Enhancement) (model.CandidateRecord, model.FieldConfidence) {
	if !ai.Ran {
		rec := h.Record
		rec.Normalize()
		return rec, copyConfidence(h.Confidence, rec)
	}

	var rec model.CandidateRecord
	fc := model.FieldConfidence{}
	aiDefault := float64(model.ClampConfidence(ai.Record.Confidence)) / 100

	take := func(field, hv, av string, preferAI bool) {
		switch {
		case preferAI && av != "":
			rec.Set(field, av)
			fc.Set(field, aiFieldConfidence(ai, field, aiDefault))
		case hv != "":
			rec.Set(field, hv)
			fc.Set(field, h.Confidence[field])
		case av != "":
			rec.Set(field, av)
			fc.Set(field, aiFieldConfidence(ai, field, aiDefault))
		default:
			fc.Set(field, 0)
		}
	}
	for _, field := range []string{model.FieldNumero, model.FieldProcesso, model.FieldAutoridade, model.FieldPrazo} {
		take(field, h.Record.Get(field), ai.Record.Get(field), false)
	}
	take(model.FieldDescricao, h.Record.Descricao, ai.Record.Descricao, true)

	rec.Confidence = max(h.Record.Confidence, ai.Record.Confidence)
	rec.NeedsReview = ai.Record.NeedsReview
	rec.Normalize()
	return rec, fc
}

func aiFieldConfidence(ai Enhancement, field string, fallback float64) float64 {
	if v, ok := ai.Confidence[field]; ok {
		return v
	}
	return fallback
}

func copyConfidence(src model.FieldConfidence, rec model.CandidateRecord) model.FieldConfidence {
	fc := model.FieldConfidence{}
	for _, field := range model.CandidateFields {
		if rec.Get(field) != "" {
			fc.Set(field, src[field])
		} else {
			fc.Set(field, 0)
		}
	}
	return fc
}

// Validate lists the reasons a record cannot be imported without review.
// An empty list means the record is auto-importable.
func Validate(rec model.CandidateRecord, threshold int) []string {
	if threshold < model.AutoImportThreshold {
		threshold = model.AutoImportThreshold
	}
	var reasons []string
	if rec.Numero == "" {
		reasons = append(reasons, "numero is missing")
	}
	if rec.Processo == "" {
		reasons = append(reasons, "processo is missing")
	}
	if rec.Prazo == "" {
		reasons = append(reasons, "prazo is missing")
	}
	if rec.Confidence < threshold {
		reasons = append(reasons, fmt.Sprintf("confidence %d is below %d", rec.Confidence, threshold))
	}
	if rec.NeedsReview && len(reasons) == 0 {
		reasons = append(reasons, "extractor flagged the record for review")
	}
	return reasons
}

// Gate merges both passes and decides between auto-import and review.
func Gate(h Extraction, ai Enhancement, threshold int) GateResult {
	rec, fc := Merge(h, ai)
	reasons := Validate(rec, threshold)
	res := GateResult{
		Record:     rec,
		Confidence: fc,
		Reasons:    reasons,
		AutoImport: len(reasons) == 0,
		Status:     model.StatusPendingReview,
	}
	if res.AutoImport {
		res.Status = model.StatusImported
	}
	return res
}
