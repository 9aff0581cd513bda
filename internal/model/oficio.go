package model

import "time"

// Status is the lifecycle state of an oficio in the secondary datastore.
type Status string

const (
	StatusPendingReview Status = "AGUARDANDO_REVISAO"
	StatusImported      Status = "IMPORTADO"
	StatusApproved      Status = "APROVADO_COMPLIANCE"
	StatusRejected      Status = "REPROVADO_COMPLIANCE"
)

// Oficio is a case record as held by the secondary datastore.
type Oficio struct {
	ID                string          `json:"id"`
	OrgID             string          `json:"org_id"`
	OwnerUserID       string          `json:"owner_user_id,omitempty"`
	MessageID         string          `json:"message_id,omitempty"`
	Subject           string          `json:"subject,omitempty"`
	Sender            string          `json:"sender,omitempty"`
	SourceText        string          `json:"source_text,omitempty"`
	Candidate         CandidateRecord `json:"candidate"`
	FieldConfidence   FieldConfidence `json:"field_confidence,omitempty"`
	ValidationReasons []string        `json:"validation_reasons,omitempty"`
	Status            Status          `json:"status"`
	DadosDeApoio      string          `json:"dados_de_apoio_compliance,omitempty"`
	NotasInternas     string          `json:"notas_internas,omitempty"`
	ReferenciasLegais []string        `json:"referencias_legais,omitempty"`
	AssignedUserID    string          `json:"assigned_user_id,omitempty"`
	Motivo            string          `json:"motivo,omitempty"`
	SyncPending       bool            `json:"sync_pending"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// User is an entry in an organization's user directory.
type User struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Transition is a single scoped write against the secondary datastore.
// Nil pointer fields are left untouched.
type Transition struct {
	OficioID          string
	OrgID             string
	UserID            string
	Status            *Status
	DadosDeApoio      *string
	NotasInternas     *string
	ReferenciasLegais []string
	SetReferencias    bool
	AssignedUserID    *string
	Motivo            *string
	SyncPending       *bool
}

// Draft is the reviewer's in-progress correction of an oficio, saved
// without producing a decision.
type Draft struct {
	OficioID          string
	OrgID             string
	UserID            string
	Candidate         CandidateRecord
	DadosDeApoio      string
	NotasInternas     string
	ReferenciasLegais []string
	AssignedUserID    string
}
