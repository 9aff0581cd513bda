package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/guard"
	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/pipeline"
	"github.com/sells-group/oficio-cli/internal/resilience"
	"github.com/sells-group/oficio-cli/internal/review"
	"github.com/sells-group/oficio-cli/internal/store"
	"github.com/sells-group/oficio-cli/pkg/decisionapi"
	"github.com/sells-group/oficio-cli/pkg/intake"
)

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func badJSON(w http.ResponseWriter) {
	guard.WriteError(w, http.StatusBadRequest, "request body must be valid JSON", guard.ActionFixFields, nil)
}

// writeErr maps domain errors onto HTTP answers.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var fe model.FieldErrors
	switch {
	case errors.As(err, &fe):
		guard.WriteError(w, http.StatusBadRequest, fe.Error(), guard.ActionFixFields, fe)
	case review.IsSessionNotFound(err):
		guard.WriteError(w, http.StatusNotFound, "review session not found", guard.ActionRetry, nil)
	case review.IsWorkflow(err):
		guard.WriteError(w, http.StatusConflict, err.Error(), guard.ActionFixFields, nil)
	case store.IsNotFound(err):
		guard.WriteError(w, http.StatusNotFound, "oficio not found", guard.ActionFixFields, nil)
	default:
		if se, ok := decisionapi.AsStatusError(err); ok && se.Code < 500 {
			proxyStatus(w, se)
			return
		}
		zap.L().Error("server: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		guard.WriteError(w, http.StatusInternalServerError, "internal error", guard.ActionContactSupport, nil)
	}
}

// proxyStatus relays an upstream rejection verbatim.
func proxyStatus(w http.ResponseWriter, se *decisionapi.StatusError) {
	ct := se.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(se.Code)
	w.Write(se.Body) //nolint:errcheck
}

func identity(r *http.Request) (userID, userEmail string) {
	return strings.TrimSpace(r.Header.Get(HeaderUserID)), strings.TrimSpace(r.Header.Get(HeaderUserEmail))
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req model.DecisionRequest
	if err := decodeBody(r, &req); err != nil {
		badJSON(w)
		return
	}
	if uid, email := identity(r); uid != "" || email != "" {
		req.UserID, req.UserEmail = uid, email
	}

	dec, err := model.ParseDecision(req)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), dec)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	guard.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	req, ok := guard.TriggerFromContext(r.Context())
	if !ok {
		guard.WriteError(w, http.StatusBadRequest, "missing trigger request", guard.ActionFixFields, nil)
		return
	}
	if s.ingester == nil {
		guard.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "mail intake is not configured",
			"action": guard.ActionCheckConfig,
		})
		return
	}
	uid, _ := identity(r)

	res, err := s.ingester.Run(r.Context(), pipeline.Trigger{
		Email:       req.Email,
		Label:       req.Label,
		OrgID:       req.OrgID,
		OwnerUserID: uid,
	})
	switch {
	case err == nil:
		guard.WriteJSON(w, http.StatusOK, res)
	case intake.IsUnavailable(err) || resilience.IsTransient(err):
		zap.L().Warn("server: intake unavailable", zap.String("mailbox", req.Email), zap.Error(err))
		guard.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "mail intake is unavailable",
			"action": guard.ActionRetry,
		})
	case errors.Is(err, pipeline.ErrOrgRequired):
		guard.WriteError(w, http.StatusBadRequest, "org_id is required", guard.ActionFixFields,
			model.FieldErrors{{Field: "org_id", Message: "is required"}})
	default:
		writeErr(w, r, err)
	}
}

func requireOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
	org := strings.TrimSpace(r.URL.Query().Get("org_id"))
	if org == "" {
		guard.WriteError(w, http.StatusBadRequest, "org_id query parameter is required", guard.ActionFixFields,
			model.FieldErrors{{Field: "org_id", Message: "is required"}})
		return "", false
	}
	return org, true
}

func (s *Server) handleListOficios(w http.ResponseWriter, r *http.Request) {
	org, ok := requireOrg(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.OficioFilter{
		OrgID:          org,
		Status:         model.Status(q.Get("status")),
		AssignedUserID: q.Get("assigned_user_id"),
	}
	var errs model.FieldErrors
	if v := q.Get("sync_pending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, model.FieldError{Field: "sync_pending", Message: "must be true or false"})
		}
		filter.SyncPending = &b
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = append(errs, model.FieldError{Field: name, Message: "must be a non-negative integer"})
			}
			*dst = n
		}
	}
	if len(errs) > 0 {
		writeErr(w, r, errs)
		return
	}

	oficios, err := s.store.ListOficios(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if oficios == nil {
		oficios = []model.Oficio{}
	}
	guard.WriteJSON(w, http.StatusOK, map[string]any{"oficios": oficios, "count": len(oficios)})
}

func (s *Server) handleGetOficio(w http.ResponseWriter, r *http.Request) {
	org, ok := requireOrg(w, r)
	if !ok {
		return
	}
	o, err := s.store.GetOficio(r.Context(), org, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	guard.WriteJSON(w, http.StatusOK, o)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	org, ok := requireOrg(w, r)
	if !ok {
		return
	}
	stats, err := s.store.Stats(r.Context(), org)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	dlq, err := s.store.ListDLQ(r.Context(), resilience.DLQFilter{OrgID: org, Limit: 20})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if dlq == nil {
		dlq = []resilience.DLQEntry{}
	}
	guard.WriteJSON(w, http.StatusOK, map[string]any{"stats": stats, "dead_letters": dlq})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID    string `json:"org_id"`
		OficioID string `json:"oficio_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		badJSON(w)
		return
	}
	var errs model.FieldErrors
	if strings.TrimSpace(req.OrgID) == "" {
		errs = append(errs, model.FieldError{Field: "org_id", Message: "is required"})
	}
	if strings.TrimSpace(req.OficioID) == "" {
		errs = append(errs, model.FieldError{Field: "oficio_id", Message: "is required"})
	}
	if len(errs) > 0 {
		writeErr(w, r, errs)
		return
	}

	uid, email := identity(r)
	v, err := s.reviews.Open(r.Context(), strings.TrimSpace(req.OrgID), strings.TrimSpace(req.OficioID), uid, email)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	guard.WriteJSON(w, http.StatusCreated, v)
}

func (s *Server) sessionView(w http.ResponseWriter, r *http.Request, v *review.View, err error) {
	if err != nil {
		writeErr(w, r, err)
		return
	}
	guard.WriteJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	v, err := s.reviews.Get(r.Context(), chi.URLParam(r, "id"))
	s.sessionView(w, r, v, err)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	v, err := s.reviews.Continue(r.Context(), chi.URLParam(r, "id"))
	s.sessionView(w, r, v, err)
}

func (s *Server) handleGoTo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step int `json:"step"`
	}
	if err := decodeBody(r, &req); err != nil {
		badJSON(w)
		return
	}
	v, err := s.reviews.GoTo(r.Context(), chi.URLParam(r, "id"), review.Step(req.Step))
	s.sessionView(w, r, v, err)
}

func (s *Server) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	var patch review.FormPatch
	if err := decodeBody(r, &patch); err != nil {
		badJSON(w)
		return
	}
	v, err := s.reviews.UpdateForm(r.Context(), chi.URLParam(r, "id"), patch)
	s.sessionView(w, r, v, err)
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	v, err := s.reviews.SaveDraft(r.Context(), chi.URLParam(r, "id"))
	s.sessionView(w, r, v, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	v, err := s.reviews.Approve(r.Context(), chi.URLParam(r, "id"))
	s.sessionView(w, r, v, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Motivo string `json:"motivo"`
	}
	if err := decodeBody(r, &req); err != nil {
		badJSON(w)
		return
	}
	res, err := s.reviews.Reject(r.Context(), chi.URLParam(r, "id"), req.Motivo)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	guard.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleDiscardSession(w http.ResponseWriter, r *http.Request) {
	if err := s.reviews.Discard(chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
