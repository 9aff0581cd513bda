package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandidateNormalize(t *testing.T) {
	t.Parallel()

	c := CandidateRecord{Numero: "12345", Processo: "1234567-89.2024.1.00.0000", Confidence: 150}
	c.Normalize()
	assert.Equal(t, 100, c.Confidence)
	assert.False(t, c.NeedsReview)

	c = CandidateRecord{Numero: "12345", Confidence: 95}
	c.Normalize()
	assert.True(t, c.NeedsReview, "missing processo forces review")

	c = CandidateRecord{Numero: "1", Processo: "2", Confidence: -5}
	c.Normalize()
	assert.Equal(t, 0, c.Confidence)
	assert.True(t, c.NeedsReview)
}

func TestCandidateGetSet(t *testing.T) {
	t.Parallel()

	var c CandidateRecord
	for _, f := range CandidateFields {
		assert.True(t, c.Set(f, "v-"+f))
		assert.Equal(t, "v-"+f, c.Get(f))
	}
	assert.False(t, c.Set("confidence", "1"))
	assert.Empty(t, c.Get("unknown"))
}

func TestFieldConfidence(t *testing.T) {
	t.Parallel()

	fc := FieldConfidence{}
	fc.Set(FieldNumero, 1.7)
	fc.Set(FieldProcesso, -0.2)
	fc.Set(FieldPrazo, math.NaN())
	fc.Set(FieldAutoridade, 0.85)

	assert.Equal(t, 1.0, fc[FieldNumero])
	assert.Equal(t, 0.0, fc[FieldProcesso])
	assert.Equal(t, 0.0, fc[FieldPrazo])
	assert.Equal(t, []string{FieldProcesso, FieldPrazo, FieldDescricao}, fc.Below(0.8))
}

func TestRawMessageSourceText(t *testing.T) {
	t.Parallel()

	m := RawMessage{
		BodyText: "corpo",
		Attachments: []Attachment{
			{Filename: "oficio.pdf", OCRText: "texto ocr"},
			{Filename: "vazio.pdf"},
			{Filename: ""},
		},
	}
	assert.Equal(t, "corpo\n\n--- oficio.pdf ---\ntexto ocr", m.SourceText())
	assert.Equal(t, []string{"oficio.pdf", "vazio.pdf"}, m.AttachmentNames())
}
