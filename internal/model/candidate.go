package model

// Field names shared by the extractor, the merge gate and the review wizard.
const (
	FieldNumero     = "numero"
	FieldProcesso   = "processo"
	FieldAutoridade = "autoridade"
	FieldPrazo      = "prazo"
	FieldDescricao  = "descricao"
)

// CandidateFields lists the extracted fields in presentation order.
var CandidateFields = []string{FieldNumero, FieldProcesso, FieldAutoridade, FieldPrazo, FieldDescricao}

// AutoImportThreshold is the minimum overall confidence for a record that
// skips human review.
const AutoImportThreshold = 80

// CandidateRecord is the structured case data extracted from one message.
// Empty strings mean the field was not found.
type CandidateRecord struct {
	Numero      string `json:"numero,omitempty"`
	Processo    string `json:"processo,omitempty"`
	Autoridade  string `json:"autoridade,omitempty"`
	Prazo       string `json:"prazo,omitempty"`
	Descricao   string `json:"descricao,omitempty"`
	Confidence  int    `json:"confidence"`
	NeedsReview bool   `json:"needs_review"`
}

// Get returns the value of a named field.
func (c CandidateRecord) Get(field string) string {
	switch field {
	case FieldNumero:
		return c.Numero
	case FieldProcesso:
		return c.Processo
	case FieldAutoridade:
		return c.Autoridade
	case FieldPrazo:
		return c.Prazo
	case FieldDescricao:
		return c.Descricao
	}
	return ""
}

// Set assigns a named field. Unknown names are ignored and reported false.
func (c *CandidateRecord) Set(field, value string) bool {
	switch field {
	case FieldNumero:
		c.Numero = value
	case FieldProcesso:
		c.Processo = value
	case FieldAutoridade:
		c.Autoridade = value
	case FieldPrazo:
		c.Prazo = value
	case FieldDescricao:
		c.Descricao = value
	default:
		return false
	}
	return true
}

// Normalize enforces the record invariants: confidence within 0..100 and
// needsReview set whenever the record is not safe to import.
func (c *CandidateRecord) Normalize() {
	c.Confidence = ClampConfidence(c.Confidence)
	if c.Numero == "" || c.Processo == "" || c.Confidence < AutoImportThreshold {
		c.NeedsReview = true
	}
}

// ClampConfidence bounds a 0..100 score.
func ClampConfidence(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// FieldConfidence maps field names to a 0..1 confidence.
type FieldConfidence map[string]float64

// Set stores a confidence clamped to [0,1].
func (f FieldConfidence) Set(field string, v float64) {
	switch {
	case v < 0 || v != v:
		v = 0
	case v > 1:
		v = 1
	}
	f[field] = v
}

// Below returns the fields whose confidence is under threshold, in
// presentation order. Fields missing from the map count as zero.
func (f FieldConfidence) Below(threshold float64) []string {
	var out []string
	for _, name := range CandidateFields {
		if f[name] < threshold {
			out = append(out, name)
		}
	}
	return out
}
