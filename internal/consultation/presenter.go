package consultation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"unicode/utf8"

	"symptom-triage/internal/loading"
)

// FeedbackSubmitter is the feedback endpoint.
type FeedbackSubmitter interface {
	SubmitFeedback(ctx context.Context, req FeedbackRequest) (*FeedbackAck, error)
}

// FeedbackStatus is what the result view shows under the recommendation.
type FeedbackStatus struct {
	Submitted   bool         `json:"submitted"`
	Submitting  bool         `json:"submitting"`
	CommentOpen bool         `json:"comment_open"`
	Comment     string       `json:"comment,omitempty"`
	Ack         *FeedbackAck `json:"ack,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Presenter holds one analysis result and allows exactly one successful
// feedback submission for it.
type Presenter struct {
	result    AnalysisResult
	submitter FeedbackSubmitter
	loading   *loading.Coordinator
	logger    *slog.Logger

	mu          sync.Mutex
	commentOpen bool
	comment     string
	inFlight    bool
	submitted   bool
	ack         *FeedbackAck
	lastErr     error
}

func NewPresenter(result AnalysisResult, submitter FeedbackSubmitter, coord *loading.Coordinator, logger *slog.Logger) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{
		result:    result.clone(),
		submitter: submitter,
		loading:   coord,
		logger:    logger.With("log_id", result.LogID),
	}
}

// Result returns a copy of the held result.
func (p *Presenter) Result() AnalysisResult {
	return p.result.clone()
}

func (p *Presenter) Submitted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted
}

func (p *Presenter) Status() FeedbackStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := FeedbackStatus{
		Submitted:   p.submitted,
		Submitting:  p.inFlight,
		CommentOpen: p.commentOpen,
		Comment:     p.comment,
	}
	if p.ack != nil {
		ack := *p.ack
		st.Ack = &ack
	}
	if p.lastErr != nil {
		st.Error = p.lastErr.Error()
	}
	return st
}

// OpenNegative opens the comment box. It reports false once feedback has
// been submitted.
func (p *Presenter) OpenNegative() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitted {
		return false
	}
	p.commentOpen = true
	return true
}

func (p *Presenter) CloseNegative() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight {
		return
	}
	p.commentOpen = false
	p.comment = ""
}

func (p *Presenter) SetComment(comment string) error {
	if utf8.RuneCountInString(comment) > MaxCommentLength {
		return &ValidationError{Field: "comment", Reason: "must be at most 500 characters"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.comment = comment
	return nil
}

// SubmitPositive sends helpful=true right away.
func (p *Presenter) SubmitPositive(ctx context.Context) error {
	return p.submit(ctx, true)
}

// SubmitNegative sends helpful=false with the comment typed so far. The
// comment box must be open.
func (p *Presenter) SubmitNegative(ctx context.Context) error {
	p.mu.Lock()
	open, done := p.commentOpen, p.submitted
	p.mu.Unlock()
	if !open && !done {
		return &TransitionError{From: StepResult, Action: "submit negative feedback without a comment box"}
	}
	return p.submit(ctx, false)
}

func (p *Presenter) submit(ctx context.Context, helpful bool) error {
	p.mu.Lock()
	if p.submitted {
		p.mu.Unlock()
		return nil
	}
	if p.inFlight {
		p.mu.Unlock()
		return ErrBusy
	}
	if p.submitter == nil {
		p.mu.Unlock()
		return &FeedbackError{Err: errors.New("no feedback endpoint configured")}
	}
	p.inFlight = true
	req := FeedbackRequest{LogID: p.result.LogID, Helpful: helpful}
	if !helpful {
		req.Comment = p.comment
	}
	p.mu.Unlock()

	ack, err := loading.Run(ctx, p.loading, "Sending feedback...", func(ctx context.Context) (*FeedbackAck, error) {
		return p.submitter.SubmitFeedback(ctx, req)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if err != nil {
		p.lastErr = &FeedbackError{Err: err}
		p.logger.Warn("feedback submission failed", "error", err)
		return p.lastErr
	}
	if ack == nil {
		ack = &FeedbackAck{LogID: req.LogID, Helpful: req.Helpful, Comment: req.Comment}
	}
	p.submitted = true
	p.commentOpen = false
	p.ack = ack
	p.lastErr = nil
	p.logger.Info("feedback submitted", "helpful", helpful)
	return nil
}
