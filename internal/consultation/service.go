package consultation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"symptom-triage/internal/geo"
	"symptom-triage/internal/loading"
	"symptom-triage/internal/maprender"
	"symptom-triage/internal/observability"
)

// HandoffSender forwards hospital results to the intake desk.
// We define it here to decouple from the report implementation.
type HandoffSender interface {
	SendIntakeHandoff(ctx context.Context, h Handoff) error
}

// Handoff is what the intake desk receives for a HOSPITAL result.
type Handoff struct {
	SessionID   uuid.UUID
	RegionLabel string
	Symptoms    SymptomInput
	Result      AnalysisResult
}

// IPLocator resolves a coarse position for a client address.
type IPLocator interface {
	ForAddr(addr string) geo.Locator
}

// LocationReport is what a client sends about its position: either a fix,
// a W3C error code, or nothing (the server then falls back to an IP lookup).
type LocationReport struct {
	Lat       *float64    `json:"lat,omitempty"`
	Lng       *float64    `json:"lng,omitempty"`
	Accuracy  *float64    `json:"accuracy,omitempty"`
	ErrorCode int         `json:"error_code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Options   geo.Options `json:"options,omitempty"`
}

// MapView is the map as the thin client draws it.
type MapView struct {
	Status   maprender.Status `json:"status"`
	Features any              `json:"features"`
}

// MapSelection is a selected marker with its pass-through actions.
type MapSelection struct {
	Marker     maprender.Marker `json:"marker"`
	CallURI    string           `json:"call_uri,omitempty"`
	Directions string           `json:"directions_url,omitempty"`
}

type Service interface {
	CreateSession(ctx context.Context, known *geo.Fix) (*Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	CloseSession(ctx context.Context, id uuid.UUID) error
	SweepIdle(ctx context.Context, maxIdle time.Duration) int

	ReportLocation(ctx context.Context, id uuid.UUID, report LocationReport, remoteAddr string) (Snapshot, error)
	SkipLocation(ctx context.Context, id uuid.UUID) (Snapshot, error)
	Analyze(ctx context.Context, id uuid.UUID, in SymptomInput) (*AnalysisResult, error)
	Restart(ctx context.Context, id uuid.UUID) (Snapshot, error)

	OpenFeedback(ctx context.Context, id uuid.UUID) (Snapshot, error)
	CancelFeedback(ctx context.Context, id uuid.UUID) (Snapshot, error)
	SubmitFeedback(ctx context.Context, id uuid.UUID, helpful bool, comment string) (FeedbackStatus, error)

	Map(ctx context.Context, id uuid.UUID) (MapView, error)
	SelectMarker(ctx context.Context, id uuid.UUID, markerID string) (MapSelection, error)
	ClearSelection(ctx context.Context, id uuid.UUID) (MapView, error)
	RetryMap(ctx context.Context, id uuid.UUID) (MapView, error)

	Loading() loading.State
	RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error)
	Shutdown(ctx context.Context) error
}

// Session is one user's intake: the workflow plus its map.
type Session struct {
	ID        uuid.UUID
	Workflow  *Workflow
	Map       *maprender.Renderer
	CreatedAt time.Time

	mu        sync.Mutex
	lastSeen  time.Time
	handedOff map[int64]bool
	symptoms  SymptomInput
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Deps are the collaborators of the session service. Repo, Client and
// NewMap are required.
type Deps struct {
	Repo      Repository
	Client    AgentClient
	Acquirer  *geo.Acquirer
	IPLocator IPLocator
	NewMap    func(logger *slog.Logger) *maprender.Renderer
	Handoff   HandoffSender
	Loading   *loading.Coordinator
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	background sync.WaitGroup
}

func NewService(d Deps) Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Acquirer == nil {
		d.Acquirer = geo.NewAcquirer(nil, nil, d.Logger)
	}
	if d.Loading == nil {
		d.Loading = loading.New(loading.WithLogger(d.Logger))
	}
	return &service{
		deps:     d,
		logger:   d.Logger,
		now:      time.Now,
		sessions: make(map[uuid.UUID]*Session),
	}
}

func (s *service) sessionLogger(ctx context.Context, id uuid.UUID) *slog.Logger {
	return observability.LoggerFromContext(observability.WithSessionID(ctx, id.String()), s.logger)
}

func (s *service) CreateSession(ctx context.Context, known *geo.Fix) (*Session, error) {
	if known != nil && !known.Point.Valid() {
		return nil, &ValidationError{Field: "location", Reason: "coordinate out of range"}
	}

	id := uuid.New()
	logger := s.sessionLogger(ctx, id)
	now := s.now()
	sess := &Session{
		ID:        id,
		Workflow:  NewWorkflow(s.deps.Client, s.deps.Loading, logger, known),
		Map:       s.deps.NewMap(logger),
		CreatedAt: now,
		lastSeen:  now,
		handedOff: make(map[int64]bool),
	}
	if known != nil {
		p := known.Point
		_ = sess.Map.SetView(maprender.View{Center: &p, ShowUserLocation: true})
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.Sessions.Inc()
	}

	logger.Info("session created", "step", sess.Workflow.Step())
	return sess, nil
}

func (s *service) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	sess.touch(s.now())
	return sess, nil
}

func (s *service) CloseSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.release(ctx, sess)
}

func (s *service) release(ctx context.Context, sess *Session) error {
	sess.Workflow.Close()
	err := sess.Map.Unmount()
	if s.deps.Metrics != nil {
		s.deps.Metrics.Sessions.Dec()
	}
	logger := s.sessionLogger(ctx, sess.ID)
	if err != nil {
		logger.Warn("map teardown incomplete", "error", err)
	}
	logger.Info("session closed")
	return err
}

// SweepIdle closes sessions not touched for maxIdle and reports how many.
func (s *service) SweepIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	var idle []*Session
	for id, sess := range s.sessions {
		if sess.LastSeen().Before(cutoff) {
			idle = append(idle, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		_ = s.release(ctx, sess)
	}
	return len(idle)
}

func (s *service) ReportLocation(ctx context.Context, id uuid.UUID, report LocationReport, remoteAddr string) (Snapshot, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	var locator geo.Locator
	switch {
	case report.ErrorCode != 0:
		locator = geo.ReportedError{Code: report.ErrorCode, Message: report.Message}
	case report.Lat != nil && report.Lng != nil:
		locator = geo.ReportedPosition{Lat: *report.Lat, Lng: *report.Lng, Accuracy: report.Accuracy}
	case s.deps.IPLocator != nil:
		locator = s.deps.IPLocator.ForAddr(remoteAddr)
	default:
		return Snapshot{}, &ValidationError{Field: "location", Reason: "no position reported"}
	}

	fix, err := sess.Workflow.AcquireLocation(ctx, s.deps.Acquirer.WithLocator(locator), report.Options)
	if err == nil {
		p := fix.Point
		if verr := sess.Map.SetView(maprender.View{Center: &p, ShowUserLocation: true}); verr != nil {
			s.sessionLogger(ctx, id).Warn("map view update incomplete", "error", verr)
		}
	}
	return sess.Workflow.Snapshot(), err
}

func (s *service) SkipLocation(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	err = sess.Workflow.SkipLocation()
	return sess.Workflow.Snapshot(), err
}

func (s *service) Analyze(ctx context.Context, id uuid.UUID, in SymptomInput) (*AnalysisResult, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	logger := s.sessionLogger(ctx, id)

	result, err := sess.Workflow.Submit(ctx, in)
	if err != nil {
		var ae *AnalysisError
		if errors.As(err, &ae) {
			s.countAnalysis("error")
		}
		return nil, err
	}
	s.countAnalysis(string(result.Recommendation))

	snap := sess.Workflow.Snapshot()
	sess.mu.Lock()
	sess.symptoms = snap.Draft
	sess.mu.Unlock()

	outcome := &Outcome{
		SessionID:      id,
		LogID:          result.LogID,
		Recommendation: result.Recommendation,
		Disease:        result.PredictedDisease,
		RegionLabel:    snap.RegionLabel,
		IntakeToken:    result.IntakeToken,
	}
	if err := s.deps.Repo.SaveOutcome(ctx, outcome); err != nil {
		logger.Error("failed to record outcome", "log_id", result.LogID, "error", err)
	}

	if err := sess.Map.SetView(resultView(snap.Location, *result)); err != nil {
		logger.Warn("map view update incomplete", "error", err)
	}

	s.handOff(sess, snap, *result)
	return result, nil
}

func (s *service) countAnalysis(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Analyses.WithLabelValues(outcome).Inc()
	}
}

// handOff sends a HOSPITAL result with an intake token to the intake desk,
// at most once per result. It runs detached from the request.
func (s *service) handOff(sess *Session, snap Snapshot, result AnalysisResult) {
	if s.deps.Handoff == nil || result.Recommendation != RecommendHospital || result.IntakeToken == "" {
		return
	}
	sess.mu.Lock()
	if sess.handedOff[result.LogID] {
		sess.mu.Unlock()
		return
	}
	sess.handedOff[result.LogID] = true
	symptoms := sess.symptoms
	sess.mu.Unlock()

	h := Handoff{SessionID: sess.ID, RegionLabel: snap.RegionLabel, Symptoms: symptoms, Result: result}
	logger := s.logger.With("session_id", sess.ID.String(), "log_id", result.LogID)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.deps.Handoff.SendIntakeHandoff(ctx, h); err != nil {
			logger.Warn("intake handoff failed", "error", err)
		}
	}()
}

func resultView(center *geo.Point, r AnalysisResult) maprender.View {
	v := maprender.View{Center: center, ShowUserLocation: center != nil}
	for _, h := range r.NearbyHospitals {
		v.Hospitals = append(v.Hospitals, maprender.Facility{
			Name:      h.Name,
			Address:   h.Address,
			Phone:     h.Phone,
			DistanceM: h.DistanceM,
			Emergency: h.HasEmergency,
			Position:  facilityPoint(h.Lat, h.Lng),
		})
	}
	for _, p := range r.NearbyPharmacies {
		v.Pharmacies = append(v.Pharmacies, maprender.Facility{
			Name:      p.Name,
			Address:   p.Address,
			Phone:     p.Phone,
			DistanceM: p.DistanceM,
			Position:  facilityPoint(p.Lat, p.Lng),
		})
	}
	return v
}

func facilityPoint(lat, lng *float64) *geo.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &geo.Point{Lat: *lat, Lng: *lng}
}

func (s *service) Restart(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if err := sess.Workflow.StartOver(); err != nil {
		return sess.Workflow.Snapshot(), err
	}
	if err := sess.Map.SetView(maprender.View{}); err != nil {
		s.sessionLogger(ctx, id).Warn("map clear incomplete", "error", err)
	}
	return sess.Workflow.Snapshot(), nil
}

func (s *service) OpenFeedback(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	err = sess.Workflow.OpenFeedback()
	return sess.Workflow.Snapshot(), err
}

func (s *service) CancelFeedback(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	err = sess.Workflow.CancelFeedback()
	return sess.Workflow.Snapshot(), err
}

func (s *service) SubmitFeedback(ctx context.Context, id uuid.UUID, helpful bool, comment string) (FeedbackStatus, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return FeedbackStatus{}, err
	}
	p := sess.Workflow.Presenter()
	already := p != nil && p.Submitted()

	status, err := sess.Workflow.SubmitFeedback(ctx, helpful, comment)
	if err != nil || already || !status.Submitted {
		return status, err
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.Feedback.WithLabelValues(strconv.FormatBool(helpful)).Inc()
	}
	if err := s.deps.Repo.MarkFeedback(ctx, p.Result().LogID, helpful); err != nil {
		s.sessionLogger(ctx, id).Warn("failed to record feedback", "error", err)
	}
	return status, nil
}

func (s *service) mapView(sess *Session) MapView {
	return MapView{Status: sess.Map.Status(), Features: sess.Map.FeatureCollection()}
}

// Map mounts the session map on first use and returns its current view.
// A provider failure is reported in the status, not as an error.
func (s *service) Map(ctx context.Context, id uuid.UUID) (MapView, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return MapView{}, err
	}
	if sess.Map.State() == maprender.Unloaded {
		view := maprender.View{}
		if snap := sess.Workflow.Snapshot(); snap.Result != nil {
			view = resultView(snap.Location, *snap.Result)
		} else if snap.Location != nil {
			view = maprender.View{Center: snap.Location, ShowUserLocation: true}
		}
		err := sess.Map.Mount(ctx, "map-"+id.String(), view)
		if err != nil && !errors.Is(err, maprender.ErrInvalidState) {
			s.sessionLogger(ctx, id).Warn("map mount failed", "error", err)
		}
	}
	return s.mapView(sess), nil
}

func (s *service) SelectMarker(ctx context.Context, id uuid.UUID, markerID string) (MapSelection, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return MapSelection{}, err
	}
	m, err := sess.Map.Select(markerID)
	if err != nil {
		return MapSelection{}, fmt.Errorf("select %q: %w", markerID, err)
	}
	sel := MapSelection{Marker: m}
	sel.CallURI, _ = sess.Map.CallURI()
	if m.Kind != maprender.KindUser {
		sel.Directions, _ = sess.Map.DirectionsURL()
	}
	return sel, nil
}

func (s *service) ClearSelection(ctx context.Context, id uuid.UUID) (MapView, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return MapView{}, err
	}
	sess.Map.ClearSelection()
	return s.mapView(sess), nil
}

func (s *service) RetryMap(ctx context.Context, id uuid.UUID) (MapView, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return MapView{}, err
	}
	if err := sess.Map.Retry(ctx); err != nil {
		var pe *maprender.ProviderError
		if !errors.As(err, &pe) {
			return s.mapView(sess), err
		}
	}
	return s.mapView(sess), nil
}

func (s *service) Loading() loading.State {
	return s.deps.Loading.State()
}

func (s *service) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.deps.Repo.ListRecent(ctx, limit)
}

// Shutdown closes every session and waits for pending handoffs.
func (s *service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[uuid.UUID]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = s.release(ctx, sess)
	}

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
