// Package review implements the four-step human review wizard: view the
// source document, review extracted fields, correct and enrich them, then
// decide.
package review

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/oficio-cli/internal/dispatch"
	"github.com/sells-group/oficio-cli/internal/model"
)

// ErrWorkflow is returned for operations the current step does not allow.
var ErrWorkflow = eris.New("review: workflow error")

// ErrSessionNotFound is returned for unknown or torn-down sessions.
var ErrSessionNotFound = eris.New("review: session not found")

// IsWorkflow reports whether err is (or wraps) ErrWorkflow.
func IsWorkflow(err error) bool { return errors.Is(err, ErrWorkflow) }

// IsSessionNotFound reports whether err is (or wraps) ErrSessionNotFound.
func IsSessionNotFound(err error) bool { return errors.Is(err, ErrSessionNotFound) }

// Step is a wizard step.
type Step int

const (
	StepView Step = iota + 1
	StepReview
	StepCorrect
	StepDecision
)

func (s Step) String() string {
	switch s {
	case StepView:
		return "view"
	case StepReview:
		return "review"
	case StepCorrect:
		return "correct"
	case StepDecision:
		return "decision"
	default:
		return "unknown"
	}
}

// Form is the reviewer's working copy of an oficio.
type Form struct {
	Candidate     model.CandidateRecord `json:"candidate"`
	Contexto      string                `json:"contexto"`
	Notas         string                `json:"notas"`
	Referencias   []string              `json:"referencias"`
	ResponsavelID string                `json:"responsavel_id,omitempty"`
}

// FormPatch is a partial form edit. Nil members are left untouched.
type FormPatch struct {
	Fields        map[string]string `json:"fields,omitempty"`
	Contexto      *string           `json:"contexto,omitempty"`
	Notas         *string           `json:"notas,omitempty"`
	Referencias   *[]string         `json:"referencias,omitempty"`
	ResponsavelID *string           `json:"responsavel_id,omitempty"`
}

// View is the step-specific presentation of a session.
type View struct {
	SessionID  string       `json:"session_id"`
	OficioID   string       `json:"oficio_id"`
	OrgID      string       `json:"org_id"`
	Status     model.Status `json:"status"`
	Step       Step         `json:"step"`
	StepName   string       `json:"step_name"`
	MaxVisited Step         `json:"max_visited"`

	// Step 1
	Subject    string `json:"subject,omitempty"`
	Sender     string `json:"sender,omitempty"`
	SourceText string `json:"source_text,omitempty"`

	// Step 2
	Fields            *model.CandidateRecord `json:"fields,omitempty"`
	FieldConfidence   model.FieldConfidence  `json:"field_confidence,omitempty"`
	NeedsAttention    []string               `json:"needs_attention,omitempty"`
	ValidationReasons []string               `json:"validation_reasons,omitempty"`

	// Step 3
	Form  *Form        `json:"form,omitempty"`
	Users []model.User `json:"users,omitempty"`

	// Step 4
	Result *dispatch.Result `json:"result,omitempty"`
}

// Session is one reviewer's pass over one oficio.
type Session struct {
	mu sync.Mutex

	id        string
	orgID     string
	userID    string
	userEmail string
	oficio    *model.Oficio

	step       Step
	maxVisited Step
	form       Form
	result     *dispatch.Result
	closed     bool
	teardown   *time.Timer
}

func newSession(id, userID, userEmail string, o *model.Oficio) *Session {
	return &Session{
		id:         id,
		orgID:      o.OrgID,
		userID:     userID,
		userEmail:  userEmail,
		oficio:     o,
		step:       StepView,
		maxVisited: StepView,
		form: Form{
			Candidate:     o.Candidate,
			Contexto:      o.DadosDeApoio,
			Notas:         o.NotasInternas,
			Referencias:   append([]string(nil), o.ReferenciasLegais...),
			ResponsavelID: o.AssignedUserID,
		},
	}
}

// moveTo changes step. Any step up to one past the furthest visited step is
// reachable, so a jump never passes an unvisited step. Step 4 is never
// reachable this way.
func (s *Session) moveTo(to Step) error {
	if s.step == StepDecision {
		return eris.Wrap(ErrWorkflow, "review: decision already made")
	}
	if to < StepView || to > StepCorrect {
		return eris.Wrapf(ErrWorkflow, "review: step %d is not reachable by navigation", to)
	}
	if to > s.maxVisited+1 {
		return eris.Wrapf(ErrWorkflow, "review: cannot skip from step %d to step %d", s.step, to)
	}
	s.step = to
	if to > s.maxVisited {
		s.maxVisited = to
	}
	return nil
}

func (s *Session) requireCorrect(op string) error {
	if s.step != StepCorrect {
		return eris.Wrapf(ErrWorkflow, "review: %s is only allowed at step %d (current step %d)", op, StepCorrect, s.step)
	}
	return nil
}

func (s *Session) apply(p FormPatch) error {
	var errs model.FieldErrors
	for name, value := range p.Fields {
		if !s.form.Candidate.Set(name, strings.TrimSpace(value)) {
			errs = append(errs, model.FieldError{Field: name, Message: "is not an editable field"})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	if p.Contexto != nil {
		s.form.Contexto = *p.Contexto
	}
	if p.Notas != nil {
		s.form.Notas = *p.Notas
	}
	if p.Referencias != nil {
		var refs []string
		for _, r := range *p.Referencias {
			if r = strings.TrimSpace(r); r != "" {
				refs = append(refs, r)
			}
		}
		s.form.Referencias = refs
	}
	if p.ResponsavelID != nil {
		s.form.ResponsavelID = strings.TrimSpace(*p.ResponsavelID)
	}
	return nil
}

// approvalErrors lists the required fields missing from the form.
func (s *Session) approvalErrors() model.FieldErrors {
	var errs model.FieldErrors
	c := s.form.Candidate
	for _, name := range []string{model.FieldNumero, model.FieldProcesso, model.FieldAutoridade, model.FieldPrazo} {
		if strings.TrimSpace(c.Get(name)) == "" {
			errs = append(errs, model.FieldError{Field: name, Message: "is required to approve"})
		}
	}
	if c.Prazo != "" {
		if _, err := time.Parse(time.RFC3339, c.Prazo); err != nil {
			errs = append(errs, model.FieldError{Field: model.FieldPrazo, Message: "must be an ISO-8601 date-time"})
		}
	}
	return errs
}

func (s *Session) draft() model.Draft {
	return model.Draft{
		OficioID:          s.oficio.ID,
		OrgID:             s.orgID,
		UserID:            s.userID,
		Candidate:         s.form.Candidate,
		DadosDeApoio:      s.form.Contexto,
		NotasInternas:     s.form.Notas,
		ReferenciasLegais: s.form.Referencias,
		AssignedUserID:    s.form.ResponsavelID,
	}
}

func (s *Session) decision(action model.Action) model.Decision {
	return model.Decision{
		OficioID:  s.oficio.ID,
		OrgID:     s.orgID,
		UserID:    s.userID,
		UserEmail: s.userEmail,
		Action:    action,
	}
}

func (s *Session) view(fieldThreshold float64) *View {
	v := &View{
		SessionID:  s.id,
		OficioID:   s.oficio.ID,
		OrgID:      s.orgID,
		Status:     s.oficio.Status,
		Step:       s.step,
		StepName:   s.step.String(),
		MaxVisited: s.maxVisited,
	}
	switch s.step {
	case StepView:
		v.Subject = s.oficio.Subject
		v.Sender = s.oficio.Sender
		v.SourceText = s.oficio.SourceText
	case StepReview:
		fields := s.oficio.Candidate
		v.Fields = &fields
		v.FieldConfidence = s.oficio.FieldConfidence
		v.NeedsAttention = s.oficio.FieldConfidence.Below(fieldThreshold)
		v.ValidationReasons = s.oficio.ValidationReasons
	case StepCorrect:
		form := s.form
		form.Referencias = append([]string(nil), s.form.Referencias...)
		v.Form = &form
	case StepDecision:
		v.Result = s.result
	}
	return v
}
