package review

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/dispatch"
	"github.com/sells-group/oficio-cli/internal/metrics"
	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/store"
)

// Dispatcher delivers the decision produced at the end of a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, dec model.Decision) (*dispatch.Result, error)
}

// Options configures a Manager.
type Options struct {
	// FieldThreshold is the field confidence under which step 2 flags a
	// field as needing attention. Default: 0.8.
	FieldThreshold float64
	// DisplayDelay is how long an approved session stays on step 4.
	DisplayDelay time.Duration
}

// Manager holds the live review sessions. Sessions are process-local.
type Manager struct {
	store      store.Store
	dispatcher Dispatcher
	opts       Options
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(st store.Store, d Dispatcher, opts Options) *Manager {
	if opts.FieldThreshold <= 0 {
		opts.FieldThreshold = 0.8
	}
	if opts.DisplayDelay < 0 {
		opts.DisplayDelay = 0
	}
	return &Manager{
		store:      st,
		dispatcher: d,
		opts:       opts,
		metrics:    metrics.Get(),
		sessions:   make(map[string]*Session),
	}
}

// Open starts a session on an undecided oficio.
func (m *Manager) Open(ctx context.Context, orgID, oficioID, userID, userEmail string) (*View, error) {
	o, err := m.store.GetOficio(ctx, orgID, oficioID)
	if err != nil {
		return nil, eris.Wrapf(err, "review: load oficio %s", oficioID)
	}
	if o.Status == model.StatusApproved || o.Status == model.StatusRejected {
		return nil, eris.Wrapf(ErrWorkflow, "review: oficio %s is already %s", oficioID, o.Status)
	}

	s := newSession(uuid.New().String(), userID, userEmail, o)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.metrics.ReviewSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	zap.L().Info("review: session opened",
		zap.String("session_id", s.id),
		zap.String("oficio_id", oficioID),
		zap.String("user_id", userID),
	)
	return s.view(m.opts.FieldThreshold), nil
}

// Get returns the current view of a session. At step 3 the view carries
// the organization's user directory for the assignee picker.
func (m *Manager) Get(ctx context.Context, id string) (*View, error) {
	return m.with(id, func(s *Session) (*View, error) {
		return m.viewFor(ctx, s)
	})
}

// Continue moves one step forward. Step 4 is only reached by Approve.
func (m *Manager) Continue(ctx context.Context, id string) (*View, error) {
	return m.with(id, func(s *Session) (*View, error) {
		if s.step >= StepCorrect {
			return nil, eris.Wrapf(ErrWorkflow, "review: step %d has no continue; approve or reject instead", s.step)
		}
		if err := s.moveTo(s.step + 1); err != nil {
			return nil, err
		}
		return m.viewFor(ctx, s)
	})
}

// GoTo jumps to a visited step, or to the next one.
func (m *Manager) GoTo(ctx context.Context, id string, step Step) (*View, error) {
	return m.with(id, func(s *Session) (*View, error) {
		if err := s.moveTo(step); err != nil {
			return nil, err
		}
		return m.viewFor(ctx, s)
	})
}

// UpdateForm applies a partial edit at step 3. A responsavel must exist in
// the organization's user directory.
func (m *Manager) UpdateForm(ctx context.Context, id string, patch FormPatch) (*View, error) {
	return m.with(id, func(s *Session) (*View, error) {
		if err := s.requireCorrect("editing"); err != nil {
			return nil, err
		}
		if patch.ResponsavelID != nil {
			if uid := strings.TrimSpace(*patch.ResponsavelID); uid != "" {
				if _, err := m.store.GetUser(ctx, s.orgID, uid); err != nil {
					if store.IsNotFound(err) {
						return nil, model.FieldErrors{{Field: "responsavel_id", Message: "is not in the organization's user directory"}}
					}
					return nil, eris.Wrap(err, "review: look up responsavel")
				}
			}
		}
		if err := s.apply(patch); err != nil {
			return nil, err
		}
		return m.viewFor(ctx, s)
	})
}

// SaveDraft persists the form and enrichment without a decision.
func (m *Manager) SaveDraft(ctx context.Context, id string) (*View, error) {
	return m.with(id, func(s *Session) (*View, error) {
		if err := s.requireCorrect("saving a draft"); err != nil {
			return nil, err
		}
		if err := m.store.SaveDraft(ctx, s.draft()); err != nil {
			return nil, eris.Wrapf(err, "review: save draft for oficio %s", s.oficio.ID)
		}
		zap.L().Info("review: draft saved", zap.String("session_id", s.id), zap.String("oficio_id", s.oficio.ID))
		return m.viewFor(ctx, s)
	})
}

// Approve validates the required fields, saves the corrected record and
// dispatches approve_compliance. On success the session shows step 4 and is
// torn down after the display delay. On failure it stays at step 3.
func (m *Manager) Approve(ctx context.Context, id string) (*View, error) {
	return m.with(id, func(s *Session) (*View, error) {
		if err := s.requireCorrect("approve"); err != nil {
			return nil, err
		}
		if errs := s.approvalErrors(); len(errs) > 0 {
			return nil, errs
		}
		if err := m.store.SaveDraft(ctx, s.draft()); err != nil {
			return nil, eris.Wrapf(err, "review: save corrections for oficio %s", s.oficio.ID)
		}

		res, err := m.dispatcher.Dispatch(ctx, s.decision(model.ApproveCompliance{
			DadosDeApoio:      s.form.Contexto,
			NotasInternas:     s.form.Notas,
			ReferenciasLegais: s.form.Referencias,
			AssignedUserID:    s.form.ResponsavelID,
		}))
		if err != nil {
			return nil, err
		}

		s.result = res
		s.step, s.maxVisited = StepDecision, StepDecision
		s.oficio.Status = model.StatusApproved
		s.teardown = time.AfterFunc(m.opts.DisplayDelay, func() { m.remove(s.id) })

		zap.L().Info("review: oficio approved",
			zap.String("session_id", s.id),
			zap.String("oficio_id", s.oficio.ID),
			zap.Bool("fallback", res.Fallback),
		)
		return s.view(m.opts.FieldThreshold), nil
	})
}

// Reject dispatches reject_compliance with a mandatory motivo and tears
// the session down immediately.
func (m *Manager) Reject(ctx context.Context, id, motivo string) (*dispatch.Result, error) {
	var res *dispatch.Result
	_, err := m.with(id, func(s *Session) (*View, error) {
		if err := s.requireCorrect("reject"); err != nil {
			return nil, err
		}
		motivo = strings.TrimSpace(motivo)
		if motivo == "" {
			return nil, model.FieldErrors{{Field: "motivo", Message: "is required to reject"}}
		}

		var err error
		res, err = m.dispatcher.Dispatch(ctx, s.decision(model.RejectCompliance{
			Motivo:        motivo,
			NotasInternas: s.form.Notas,
		}))
		if err != nil {
			return nil, err
		}
		s.closed = true
		zap.L().Info("review: oficio rejected",
			zap.String("session_id", s.id),
			zap.String("oficio_id", s.oficio.ID),
			zap.Bool("fallback", res.Fallback),
		)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	m.remove(id)
	return res, nil
}

// Discard tears a session down without saving.
func (m *Manager) Discard(id string) error {
	s := m.lookup(id)
	if s == nil {
		return eris.Wrapf(ErrSessionNotFound, "review: session %s", id)
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	m.remove(id)
	zap.L().Info("review: session discarded", zap.String("session_id", id))
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		s.closed = true
		if s.teardown != nil {
			s.teardown.Stop()
		}
		s.mu.Unlock()
		delete(m.sessions, id)
	}
	m.metrics.ReviewSessions.Set(0)
}

// with runs fn under the session lock.
func (m *Manager) with(id string, fn func(s *Session) (*View, error)) (*View, error) {
	s := m.lookup(id)
	if s == nil {
		return nil, eris.Wrapf(ErrSessionNotFound, "review: session %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, eris.Wrapf(ErrSessionNotFound, "review: session %s", id)
	}
	return fn(s)
}

func (m *Manager) lookup(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return
	}
	delete(m.sessions, id)
	m.metrics.ReviewSessions.Set(float64(len(m.sessions)))
}

func (m *Manager) viewFor(ctx context.Context, s *Session) (*View, error) {
	v := s.view(m.opts.FieldThreshold)
	if s.step == StepCorrect {
		users, err := m.store.ListUsers(ctx, s.orgID)
		if err != nil {
			return nil, eris.Wrap(err, "review: list users")
		}
		v.Users = users
	}
	return v, nil
}
