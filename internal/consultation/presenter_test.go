package consultation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"symptom-triage/internal/loading"
)

func TestFeedbackSubmittedOnce(t *testing.T) {
	client := &fakeClient{}
	coord := loading.New()
	p := NewPresenter(pharmacyResult(42), client, coord, quietLogger())

	if err := p.SubmitPositive(context.Background()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.SubmitPositive(context.Background()); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if _, n := client.calls(); n != 1 {
		t.Fatalf("expected one network call, got %d", n)
	}
	if !p.Submitted() {
		t.Fatal("expected Submitted() == true")
	}
	if client.lastFeedback.LogID != 42 || !client.lastFeedback.Helpful {
		t.Fatalf("unexpected request %+v", client.lastFeedback)
	}
	if coord.IsLoading() {
		t.Fatal("loading scope leaked")
	}
	if p.OpenNegative() {
		t.Fatal("comment box must not open after submission")
	}
}

func TestFeedbackFailureKeepsForm(t *testing.T) {
	client := &fakeClient{feedbackErr: errors.New("connection reset")}
	p := NewPresenter(pharmacyResult(5), client, nil, quietLogger())

	p.OpenNegative()
	if err := p.SetComment("wrong drug"); err != nil {
		t.Fatalf("SetComment: %v", err)
	}
	err := p.SubmitNegative(context.Background())
	var fe *FeedbackError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FeedbackError, got %v", err)
	}
	st := p.Status()
	if st.Submitted || !st.CommentOpen || st.Comment != "wrong drug" || st.Error == "" {
		t.Fatalf("form not preserved: %+v", st)
	}

	client.mu.Lock()
	client.feedbackErr = nil
	client.mu.Unlock()
	if err := p.SubmitNegative(context.Background()); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	st = p.Status()
	if !st.Submitted || st.CommentOpen || st.Error != "" || st.Ack == nil || st.Ack.Comment != "wrong drug" {
		t.Fatalf("unexpected status after resubmit %+v", st)
	}
	if _, n := client.calls(); n != 2 {
		t.Fatalf("expected 2 calls, got %d", n)
	}
}

func TestNegativeFeedbackNeedsCommentBox(t *testing.T) {
	client := &fakeClient{}
	p := NewPresenter(pharmacyResult(5), client, nil, quietLogger())

	if err := p.SubmitNegative(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, n := client.calls(); n != 0 {
		t.Fatalf("no call expected, got %d", n)
	}

	p.OpenNegative()
	if err := p.SubmitNegative(context.Background()); err != nil {
		t.Fatalf("empty comment is optional: %v", err)
	}
	if client.lastFeedback.Helpful || client.lastFeedback.Comment != "" {
		t.Fatalf("unexpected request %+v", client.lastFeedback)
	}
}

func TestCommentLengthLimit(t *testing.T) {
	p := NewPresenter(pharmacyResult(5), &fakeClient{}, nil, quietLogger())
	p.OpenNegative()

	if err := p.SetComment(strings.Repeat("가", MaxCommentLength)); err != nil {
		t.Fatalf("500 runes must be accepted: %v", err)
	}
	err := p.SetComment(strings.Repeat("가", MaxCommentLength+1))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "comment" {
		t.Fatalf("expected comment ValidationError, got %v", err)
	}
	if got := len([]rune(p.Status().Comment)); got != MaxCommentLength {
		t.Fatalf("rejected comment replaced the previous one: %d runes", got)
	}
}

func TestResultIsACopy(t *testing.T) {
	p := NewPresenter(pharmacyResult(5), nil, nil, quietLogger())
	r := p.Result()
	r.NearbyPharmacies[0].Name = "mutated"
	r.LogID = 99
	*r.NearbyPharmacies[0].Lat = 0
	if got := p.Result(); got.NearbyPharmacies[0].Name != "Corner Pharmacy" || got.LogID != 5 {
		t.Fatalf("presenter result was mutated: %+v", got)
	}
	if got := p.Result(); *got.NearbyPharmacies[0].Lat != 37.567 {
		t.Fatalf("pharmacy coordinate shared with a copy: %v", *got.NearbyPharmacies[0].Lat)
	}
}

func TestHospitalCoordinatesAreCopied(t *testing.T) {
	lat, lng := 37.57, 126.98
	held := AnalysisResult{LogID: 8, NearbyHospitals: []Hospital{{Name: "Seoul Hospital", Lat: &lat, Lng: &lng}}}
	p := NewPresenter(held, nil, nil, quietLogger())

	lat = 0
	r := p.Result()
	*r.NearbyHospitals[0].Lng = 0
	got := p.Result()
	if *got.NearbyHospitals[0].Lat != 37.57 || *got.NearbyHospitals[0].Lng != 126.98 {
		t.Fatalf("hospital coordinate shared: %v, %v", *got.NearbyHospitals[0].Lat, *got.NearbyHospitals[0].Lng)
	}
}

func TestCloseNegativeDiscardsComment(t *testing.T) {
	p := NewPresenter(pharmacyResult(5), &fakeClient{}, nil, quietLogger())
	p.OpenNegative()
	_ = p.SetComment("draft")
	p.CloseNegative()
	if st := p.Status(); st.CommentOpen || st.Comment != "" {
		t.Fatalf("expected closed empty box, got %+v", st)
	}
}

func TestFeedbackAfterStartOverIsDiscarded(t *testing.T) {
	client := &fakeClient{result: pharmacyResult(77)}
	coord := loading.New()
	w := NewWorkflow(client, coord, quietLogger(), seoulFix())
	if _, err := w.Submit(context.Background(), SymptomInput{Text: "sore throat and fever"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	client.mu.Lock()
	client.feedbackStarted = make(chan struct{})
	client.feedbackRelease = make(chan struct{})
	started, release := client.feedbackStarted, client.feedbackRelease
	client.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := w.SubmitFeedback(context.Background(), true, "")
		done <- err
	}()
	<-started
	if err := w.StartOver(); err != nil {
		t.Fatalf("StartOver: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if w.Step() != StepLocation {
		t.Fatalf("late feedback moved step to %s", w.Step())
	}
	if w.Presenter() != nil {
		t.Fatal("late feedback reattached a presenter")
	}
	if coord.IsLoading() {
		t.Fatal("loading scope leaked")
	}
}
