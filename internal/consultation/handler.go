package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"symptom-triage/internal/geo"
	"symptom-triage/internal/maprender"
	"symptom-triage/internal/observability"
)

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

type CreateSessionRequest struct {
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Region   string   `json:"region_label,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string   `json:"session_id"`
	Snapshot  Snapshot `json:"snapshot"`
}

type FeedbackInput struct {
	Helpful bool   `json:"helpful"`
	Comment string `json:"comment,omitempty"`
}

type SelectMarkerRequest struct {
	MarkerID string `json:"marker_id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
			return
		}
	}

	var known *geo.Fix
	if req.Lat != nil && req.Lng != nil {
		known = &geo.Fix{
			Point:  geo.Point{Lat: *req.Lat, Lng: *req.Lng, Accuracy: req.Accuracy},
			Region: req.Region,
		}
	}

	sess, err := h.svc.CreateSession(r.Context(), known)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: sess.ID.String(),
		Snapshot:  sess.Workflow.Snapshot(),
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Workflow.Snapshot())
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseSession(r.Context(), sessionID(r)); err != nil && errors.Is(err, ErrNotFound) {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReportLocation accepts the device's fix or error code. A location
// failure is part of the flow, so it is answered with the snapshot and 200.
func (h *Handler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationReport
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
			return
		}
	}

	snap, err := h.svc.ReportLocation(r.Context(), sessionID(r), req, clientIP(r))
	var le *geo.LocationError
	if err != nil && !errors.As(err, &le) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) SkipLocation(w http.ResponseWriter, r *http.Request) {
	h.snapshotAction(w, r, h.svc.SkipLocation)
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req SymptomInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
		return
	}

	result, err := h.svc.Analyze(r.Context(), sessionID(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	h.snapshotAction(w, r, h.svc.Restart)
}

func (h *Handler) OpenFeedback(w http.ResponseWriter, r *http.Request) {
	h.snapshotAction(w, r, h.svc.OpenFeedback)
}

func (h *Handler) CancelFeedback(w http.ResponseWriter, r *http.Request) {
	h.snapshotAction(w, r, h.svc.CancelFeedback)
}

func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
		return
	}

	status, err := h.svc.SubmitFeedback(r.Context(), sessionID(r), req.Helpful, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) Map(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Map(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) SelectMarker(w http.ResponseWriter, r *http.Request) {
	var req SelectMarkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MarkerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "marker_id is required"})
		return
	}

	sel, err := h.svc.SelectMarker(r.Context(), sessionID(r), req.MarkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (h *Handler) ClearSelection(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ClearSelection(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) RetryMap(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.RetryMap(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Loading()
	writeJSON(w, http.StatusOK, map[string]any{
		"loading": st.IsLoading(),
		"count":   st.Count,
		"message": st.Message,
	})
}

func (h *Handler) RecentOutcomes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	outcomes, err := h.svc.RecentOutcomes(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []Outcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (h *Handler) snapshotAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id uuid.UUID) (Snapshot, error)) {
	snap, err := action(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type ctxKey struct{}

// withSession parses {id} once for every session route.
func withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid session ID"})
			return
		}
		ctx := observability.WithSessionID(r.Context(), id.String())
		ctx = context.WithValue(ctx, ctxKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(ctxKey{}).(uuid.UUID)
	return id
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	var (
		le *geo.LocationError
		ae *AnalysisError
		fe *FeedbackError
	)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, maprender.ErrMarkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrLocationRequired), errors.As(err, &le):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBusy), errors.Is(err, ErrInvalidTransition), errors.Is(err, maprender.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrStale):
		return http.StatusGone
	case errors.As(err, &ae), errors.As(err, &fe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := errorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	var le *geo.LocationError
	if errors.As(err, &le) {
		resp.Kind = le.Kind.String()
		resp.Error = le.Message()
	}
	writeJSON(w, status, resp)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/status", h.Status)
	r.Get("/outcomes", h.RecentOutcomes)
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Use(withSession)
		r.Get("/", h.GetSession)
		r.Delete("/", h.CloseSession)
		r.Post("/location", h.ReportLocation)
		r.Post("/location/skip", h.SkipLocation)
		r.Post("/analysis", h.Analyze)
		r.Post("/restart", h.Restart)
		r.Post("/feedback", h.SubmitFeedback)
		r.Post("/feedback/open", h.OpenFeedback)
		r.Post("/feedback/cancel", h.CancelFeedback)
		r.Get("/map", h.Map)
		r.Post("/map/select", h.SelectMarker)
		r.Delete("/map/select", h.ClearSelection)
		r.Post("/map/retry", h.RetryMap)
	})
}
