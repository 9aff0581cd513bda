package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// ActionKind is the wire literal naming a decision action.
type ActionKind string

const (
	ActionApprove    ActionKind = "approve_compliance"
	ActionReject     ActionKind = "reject_compliance"
	ActionAddContext ActionKind = "add_context"
	ActionAssignUser ActionKind = "assign_user"
)

// Action is one of the four decision variants. The unexported method closes
// the set to this package.
type Action interface {
	Kind() ActionKind
	fill(req *DecisionRequest)
}

// ApproveCompliance approves the oficio, optionally carrying the
// enrichment collected during review.
type ApproveCompliance struct {
	DadosDeApoio      string
	NotasInternas     string
	ReferenciasLegais []string
	AssignedUserID    string
}

// RejectCompliance rejects the oficio with a mandatory reason.
type RejectCompliance struct {
	Motivo        string
	NotasInternas string
}

// AddContext attaches compliance context without a status change.
type AddContext struct {
	DadosDeApoio      string
	NotasInternas     string
	ReferenciasLegais []string
}

// AssignUser changes the responsible user without a status change.
type AssignUser struct {
	AssignedUserID string
}

func (ApproveCompliance) Kind() ActionKind { return ActionApprove }
func (RejectCompliance) Kind() ActionKind  { return ActionReject }
func (AddContext) Kind() ActionKind        { return ActionAddContext }
func (AssignUser) Kind() ActionKind        { return ActionAssignUser }

func (a ApproveCompliance) fill(req *DecisionRequest) {
	req.DadosDeApoio = a.DadosDeApoio
	req.NotasInternas = a.NotasInternas
	req.ReferenciasLegais = a.ReferenciasLegais
	req.AssignedUserID = a.AssignedUserID
}

func (a RejectCompliance) fill(req *DecisionRequest) {
	req.Motivo = a.Motivo
	req.NotasInternas = a.NotasInternas
}

func (a AddContext) fill(req *DecisionRequest) {
	req.DadosDeApoio = a.DadosDeApoio
	req.NotasInternas = a.NotasInternas
	req.ReferenciasLegais = a.ReferenciasLegais
}

func (a AssignUser) fill(req *DecisionRequest) {
	req.AssignedUserID = a.AssignedUserID
}

// Decision is a terminal reviewer action against one oficio.
type Decision struct {
	OficioID  string
	OrgID     string
	UserID    string
	UserEmail string
	Action    Action
}

// DecisionRequest is the JSON wire shape accepted by the decision endpoint
// and forwarded to the primary decision service.
type DecisionRequest struct {
	OrgID             string   `json:"org_id"`
	OficioID          string   `json:"oficio_id"`
	Action            string   `json:"action"`
	DadosDeApoio      string   `json:"dados_de_apoio_compliance,omitempty"`
	NotasInternas     string   `json:"notas_internas,omitempty"`
	ReferenciasLegais []string `json:"referencias_legais,omitempty"`
	AssignedUserID    string   `json:"assigned_user_id,omitempty"`
	Motivo            string   `json:"motivo,omitempty"`
	UserID            string   `json:"user_id,omitempty"`
	UserEmail         string   `json:"user_email,omitempty"`
}

// Wire renders the decision in its wire shape.
func (d Decision) Wire() DecisionRequest {
	req := DecisionRequest{
		OrgID:     d.OrgID,
		OficioID:  d.OficioID,
		UserID:    d.UserID,
		UserEmail: d.UserEmail,
	}
	if d.Action != nil {
		req.Action = string(d.Action.Kind())
		d.Action.fill(&req)
	}
	return req
}

// IdempotencyKey is a stable hash of the decision's scope and payload.
// Identical decisions produce identical keys.
func (d Decision) IdempotencyKey() string {
	req := d.Wire()
	req.UserEmail = ""
	payload, _ := json.Marshal(req)
	sum := sha256.Sum256(payload)
	return "decision:" + hex.EncodeToString(sum[:])
}

// ParseDecision validates a wire request and converts it to a Decision.
// Every problem is reported as a FieldError; unknown actions never reach
// the dispatcher.
func ParseDecision(req DecisionRequest) (Decision, error) {
	var errs FieldErrors

	req.OrgID = strings.TrimSpace(req.OrgID)
	req.OficioID = strings.TrimSpace(req.OficioID)
	if req.OrgID == "" {
		errs = append(errs, FieldError{Field: "org_id", Message: "is required"})
	}
	if req.OficioID == "" {
		errs = append(errs, FieldError{Field: "oficio_id", Message: "is required"})
	}

	var action Action
	switch ActionKind(req.Action) {
	case ActionApprove:
		action = ApproveCompliance{
			DadosDeApoio:      req.DadosDeApoio,
			NotasInternas:     req.NotasInternas,
			ReferenciasLegais: cleanReferences(req.ReferenciasLegais),
			AssignedUserID:    strings.TrimSpace(req.AssignedUserID),
		}
	case ActionReject:
		motivo := strings.TrimSpace(req.Motivo)
		if motivo == "" {
			errs = append(errs, FieldError{Field: "motivo", Message: "is required for reject_compliance"})
		}
		action = RejectCompliance{Motivo: motivo, NotasInternas: req.NotasInternas}
	case ActionAddContext:
		refs := cleanReferences(req.ReferenciasLegais)
		if strings.TrimSpace(req.DadosDeApoio) == "" && strings.TrimSpace(req.NotasInternas) == "" && len(refs) == 0 {
			errs = append(errs, FieldError{Field: "dados_de_apoio_compliance", Message: "add_context needs context, notes or references"})
		}
		action = AddContext{
			DadosDeApoio:      req.DadosDeApoio,
			NotasInternas:     req.NotasInternas,
			ReferenciasLegais: refs,
		}
	case ActionAssignUser:
		uid := strings.TrimSpace(req.AssignedUserID)
		if uid == "" {
			errs = append(errs, FieldError{Field: "assigned_user_id", Message: "is required for assign_user"})
		}
		action = AssignUser{AssignedUserID: uid}
	case "":
		errs = append(errs, FieldError{Field: "action", Message: "is required"})
	default:
		errs = append(errs, FieldError{
			Field:   "action",
			Message: "must be one of approve_compliance, reject_compliance, add_context, assign_user",
		})
	}

	if len(errs) > 0 {
		return Decision{}, errs
	}
	return Decision{
		OficioID:  req.OficioID,
		OrgID:     req.OrgID,
		UserID:    strings.TrimSpace(req.UserID),
		UserEmail: strings.TrimSpace(req.UserEmail),
		Action:    action,
	}, nil
}

func cleanReferences(refs []string) []string {
	var out []string
	for _, r := range refs {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// FieldError is a single field-level validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is an itemized validation failure.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + " " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
