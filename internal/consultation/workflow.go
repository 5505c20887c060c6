package consultation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"symptom-triage/internal/geo"
	"symptom-triage/internal/loading"
)

const (
	MinSymptomLength = 5
	MaxSymptomLength = 1000
)

// Analyzer is the analysis endpoint.
type Analyzer interface {
	Analyze(ctx context.Context, req SymptomLogRequest) (*AnalysisResult, error)
}

// AgentClient is everything a session needs from the analysis backend.
// We define it here to decouple from the specific agent implementation.
type AgentClient interface {
	Analyzer
	FeedbackSubmitter
}

// LocationSource acquires a labelled position; *geo.Acquirer implements it.
type LocationSource interface {
	Acquire(ctx context.Context, opts geo.Options) (geo.Fix, error)
}

type SymptomInput struct {
	Text        string   `json:"symptom_text"`
	SubSymptoms []string `json:"sub_symptoms,omitempty"`
}

// Snapshot is a consistent read of a workflow for rendering.
type Snapshot struct {
	Step              Step            `json:"step"`
	Location          *geo.Point      `json:"location,omitempty"`
	RegionLabel       string          `json:"region_label,omitempty"`
	LocationErrorKind string          `json:"location_error_kind,omitempty"`
	LocationError     string          `json:"location_error,omitempty"`
	Draft             SymptomInput    `json:"draft"`
	Error             string          `json:"error,omitempty"`
	Result            *AnalysisResult `json:"result,omitempty"`
	Feedback          *FeedbackStatus `json:"feedback,omitempty"`
}

// Workflow is the per-session state machine
// LOCATION -> SYMPTOM_INPUT -> ANALYZING -> RESULT (<-> FEEDBACK) -> LOCATION.
type Workflow struct {
	client  AgentClient
	loading *loading.Coordinator
	logger  *slog.Logger

	mu          sync.Mutex
	step        Step
	location    *geo.Point
	region      string
	locationErr *geo.LocationError
	acquiring   bool
	draft       SymptomInput
	lastErr     error
	presenter   *Presenter
	epoch       uint64
	closed      bool
}

// NewWorkflow starts at LOCATION, or at SYMPTOM_INPUT when the location is
// already known.
func NewWorkflow(client AgentClient, coord *loading.Coordinator, logger *slog.Logger, known *geo.Fix) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workflow{
		client:  client,
		loading: coord,
		logger:  logger,
		step:    StepLocation,
	}
	if known != nil && known.Point.Valid() {
		p := known.Point
		w.location = &p
		w.region = known.Region
		w.step = StepSymptomInput
	}
	return w
}

func (w *Workflow) Step() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

// transition must be called with mu held.
func (w *Workflow) transition(to Step) {
	w.logger.Info("workflow transition", "from", w.step, "to", to)
	w.step = to
}

func (w *Workflow) guard(action string, allowed ...Step) error {
	if w.closed {
		return ErrStale
	}
	for _, s := range allowed {
		if w.step == s {
			return nil
		}
	}
	if w.step == StepAnalyzing {
		return ErrBusy
	}
	return &TransitionError{From: w.step, Action: action}
}

// AcquireLocation asks src for the current position. Failure is not fatal:
// the workflow still moves on to SYMPTOM_INPUT without a location and the
// *geo.LocationError is returned.
func (w *Workflow) AcquireLocation(ctx context.Context, src LocationSource, opts geo.Options) (geo.Fix, error) {
	w.mu.Lock()
	if err := w.guard("acquire location", StepLocation, StepSymptomInput); err != nil {
		w.mu.Unlock()
		return geo.Fix{}, err
	}
	if w.acquiring {
		w.mu.Unlock()
		return geo.Fix{}, ErrBusy
	}
	w.acquiring = true
	epoch := w.epoch
	w.mu.Unlock()

	fix, err := loading.Run(ctx, w.loading, "Finding your location...", func(ctx context.Context) (geo.Fix, error) {
		return src.Acquire(ctx, opts)
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquiring = false
	if w.closed || w.epoch != epoch {
		w.logger.Info("discarding stale location result")
		return geo.Fix{}, ErrStale
	}

	if err != nil {
		le := geo.Classify(err)
		w.locationErr = le
		w.logger.Warn("location acquisition failed", "kind", le.Kind.String(), "error", err)
		if w.step == StepLocation {
			w.transition(StepSymptomInput)
		}
		return geo.Fix{}, le
	}

	w.applyFix(fix)
	return fix, nil
}

// SetLocation records a location obtained elsewhere.
func (w *Workflow) SetLocation(fix geo.Fix) error {
	if !fix.Point.Valid() {
		return &ValidationError{Field: "location", Reason: "coordinate out of range"}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.guard("set location", StepLocation, StepSymptomInput); err != nil {
		return err
	}
	w.applyFix(fix)
	return nil
}

func (w *Workflow) applyFix(fix geo.Fix) {
	p := fix.Point
	w.logger.Debug("location recorded", "accuracy_m", p.AccuracyM(), "has_region", fix.Region != "")
	w.location = &p
	w.region = fix.Region
	w.locationErr = nil
	if w.step == StepLocation {
		w.transition(StepSymptomInput)
	}
}

// SkipLocation proceeds without a location. Submit stays blocked until one
// is provided.
func (w *Workflow) SkipLocation() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.guard("skip location", StepLocation); err != nil {
		return err
	}
	w.transition(StepSymptomInput)
	return nil
}

func validateSymptoms(in SymptomInput) (SymptomInput, error) {
	text := strings.TrimSpace(in.Text)
	n := utf8.RuneCountInString(text)
	if n < MinSymptomLength {
		return in, &ValidationError{Field: "symptom_text", Reason: "describe your symptoms in at least 5 characters"}
	}
	if n > MaxSymptomLength {
		return in, &ValidationError{Field: "symptom_text", Reason: "must be at most 1000 characters"}
	}
	subs := make([]string, 0, len(in.SubSymptoms))
	for _, s := range in.SubSymptoms {
		if s = strings.TrimSpace(s); s != "" {
			subs = append(subs, s)
		}
	}
	return SymptomInput{Text: text, SubSymptoms: subs}, nil
}

// Submit validates the input and runs exactly one analysis call. On success
// the workflow is at RESULT; on failure it is back at SYMPTOM_INPUT and an
// *AnalysisError is returned. A response that arrives after the workflow
// was reset or closed is dropped with ErrStale.
func (w *Workflow) Submit(ctx context.Context, in SymptomInput) (*AnalysisResult, error) {
	w.mu.Lock()
	if err := w.guard("submit symptoms", StepSymptomInput); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	w.draft = in
	clean, err := validateSymptoms(in)
	if err != nil {
		w.lastErr = err
		w.mu.Unlock()
		return nil, err
	}
	if w.location == nil {
		w.lastErr = ErrLocationRequired
		w.mu.Unlock()
		return nil, ErrLocationRequired
	}

	req := SymptomLogRequest{
		SymptomText:  clean.Text,
		SubSymptoms:  clean.SubSymptoms,
		GPSPoint:     geo.Point{Lat: w.location.Lat, Lng: w.location.Lng},
		GPSAccuracyM: w.location.Accuracy,
		RegionLabel:  w.region,
	}
	w.lastErr = nil
	w.transition(StepAnalyzing)
	epoch := w.epoch
	w.mu.Unlock()

	result, err := loading.Run(ctx, w.loading, "Analyzing symptoms...", func(ctx context.Context) (*AnalysisResult, error) {
		return w.client.Analyze(ctx, req)
	})
	if err == nil && result == nil {
		err = errors.New("empty analysis response")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.epoch != epoch {
		w.logger.Info("discarding stale analysis response")
		return nil, ErrStale
	}
	if err != nil {
		w.lastErr = &AnalysisError{Err: err}
		w.transition(StepSymptomInput)
		w.logger.Warn("analysis failed", "error", err)
		return nil, w.lastErr
	}

	w.presenter = NewPresenter(*result, w.client, w.loading, w.logger)
	w.transition(StepResult)
	out := w.presenter.Result()
	return &out, nil
}

// Presenter is nil unless a result is on screen.
func (w *Workflow) Presenter() *Presenter {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.presenter
}

// OpenFeedback opens the negative-feedback comment box (RESULT -> FEEDBACK).
// Once feedback was submitted it is a no-op.
func (w *Workflow) OpenFeedback() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.guard("open feedback", StepResult, StepFeedback); err != nil {
		return err
	}
	if w.presenter.OpenNegative() && w.step == StepResult {
		w.transition(StepFeedback)
	}
	return nil
}

// CancelFeedback closes the comment box (FEEDBACK -> RESULT).
func (w *Workflow) CancelFeedback() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.guard("cancel feedback", StepFeedback); err != nil {
		return err
	}
	w.presenter.CloseNegative()
	w.transition(StepResult)
	return nil
}

// SubmitFeedback sends the one feedback allowed for the current result.
// Negative feedback opens the comment box first if it is not open yet.
func (w *Workflow) SubmitFeedback(ctx context.Context, helpful bool, comment string) (FeedbackStatus, error) {
	w.mu.Lock()
	if err := w.guard("submit feedback", StepResult, StepFeedback); err != nil {
		w.mu.Unlock()
		return FeedbackStatus{}, err
	}
	p := w.presenter
	epoch := w.epoch
	if !helpful && p.OpenNegative() && w.step == StepResult {
		w.transition(StepFeedback)
	}
	w.mu.Unlock()

	var err error
	if helpful {
		err = p.SubmitPositive(ctx)
	} else if err = p.SetComment(comment); err == nil {
		err = p.SubmitNegative(ctx)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.epoch != epoch {
		return FeedbackStatus{}, ErrStale
	}
	if p.Submitted() && w.step == StepFeedback {
		w.transition(StepResult)
	}
	return p.Status(), err
}

// StartOver discards the result and comment and returns to LOCATION.
func (w *Workflow) StartOver() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.guard("start a new analysis", StepResult, StepFeedback); err != nil {
		return err
	}
	w.epoch++
	w.presenter = nil
	w.draft = SymptomInput{}
	w.lastErr = nil
	w.location = nil
	w.region = ""
	w.locationErr = nil
	w.transition(StepLocation)
	return nil
}

// Close detaches the workflow; in-flight responses are discarded.
func (w *Workflow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.epoch++
}

func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		Step:        w.step,
		RegionLabel: w.region,
		Draft:       SymptomInput{Text: w.draft.Text, SubSymptoms: append([]string(nil), w.draft.SubSymptoms...)},
	}
	if w.location != nil {
		p := *w.location
		s.Location = &p
	}
	if w.locationErr != nil {
		s.LocationErrorKind = w.locationErr.Kind.String()
		s.LocationError = w.locationErr.Message()
	}
	if w.lastErr != nil {
		s.Error = w.lastErr.Error()
	}
	if w.presenter != nil {
		r := w.presenter.Result()
		st := w.presenter.Status()
		s.Result = &r
		s.Feedback = &st
	}
	return s
}
