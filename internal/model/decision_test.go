package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	t.Parallel()

	t.Run("approve carries enrichment", func(t *testing.T) {
		t.Parallel()
		d, err := ParseDecision(DecisionRequest{
			OrgID:             "org-1",
			OficioID:          "of-1",
			Action:            "approve_compliance",
			DadosDeApoio:      "contexto",
			ReferenciasLegais: []string{" Lei 9.613/98 ", "", "CPC art. 380"},
			AssignedUserID:    "u-2",
			UserID:            "u-1",
		})
		require.NoError(t, err)
		a, ok := d.Action.(ApproveCompliance)
		require.True(t, ok)
		assert.Equal(t, []string{"Lei 9.613/98", "CPC art. 380"}, a.ReferenciasLegais)
		assert.Equal(t, "u-2", a.AssignedUserID)
		assert.Equal(t, "u-1", d.UserID)
	})

	t.Run("reject needs motivo", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDecision(DecisionRequest{OrgID: "o", OficioID: "x", Action: "reject_compliance"})
		var fe FieldErrors
		require.ErrorAs(t, err, &fe)
		require.Len(t, fe, 1)
		assert.Equal(t, "motivo", fe[0].Field)
	})

	t.Run("assign needs user", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDecision(DecisionRequest{OrgID: "o", OficioID: "x", Action: "assign_user"})
		var fe FieldErrors
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "assigned_user_id", fe[0].Field)
	})

	t.Run("add_context needs content", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDecision(DecisionRequest{OrgID: "o", OficioID: "x", Action: "add_context"})
		require.Error(t, err)

		d, err := ParseDecision(DecisionRequest{OrgID: "o", OficioID: "x", Action: "add_context", NotasInternas: "nota"})
		require.NoError(t, err)
		assert.Equal(t, ActionAddContext, d.Action.Kind())
	})

	t.Run("unknown action and missing ids itemized", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDecision(DecisionRequest{Action: "delete_everything"})
		var fe FieldErrors
		require.ErrorAs(t, err, &fe)
		fields := make([]string, len(fe))
		for i, f := range fe {
			fields[i] = f.Field
		}
		assert.Equal(t, []string{"org_id", "oficio_id", "action"}, fields)
		assert.Contains(t, err.Error(), "validation failed")
	})

	t.Run("missing action", func(t *testing.T) {
		t.Parallel()
		_, err := ParseDecision(DecisionRequest{OrgID: "o", OficioID: "x"})
		var fe FieldErrors
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "action", fe[0].Field)
		assert.Equal(t, "is required", fe[0].Message)
	})
}

func TestDecisionWire(t *testing.T) {
	t.Parallel()

	d := Decision{OficioID: "of-1", OrgID: "org-1", UserID: "u", Action: RejectCompliance{Motivo: "fora do escopo"}}
	raw, err := json.Marshal(d.Wire())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "reject_compliance", m["action"])
	assert.Equal(t, "fora do escopo", m["motivo"])
	assert.NotContains(t, m, "dados_de_apoio_compliance")
	assert.NotContains(t, m, "assigned_user_id")
}

func TestDecisionIdempotencyKey(t *testing.T) {
	t.Parallel()

	a := Decision{OficioID: "of-1", OrgID: "org-1", Action: AssignUser{AssignedUserID: "u-2"}}
	b := a
	b.UserEmail = "other@example.com"
	c := Decision{OficioID: "of-1", OrgID: "org-1", Action: AssignUser{AssignedUserID: "u-3"}}

	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())
	assert.NotEqual(t, a.IdempotencyKey(), c.IdempotencyKey())
	assert.Contains(t, a.IdempotencyKey(), "decision:")
}
