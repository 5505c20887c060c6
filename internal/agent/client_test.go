package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"symptom-triage/internal/consultation"
	"symptom-triage/internal/geo"
)

func TestAnalyzePostsSymptomLog(t *testing.T) {
	var got consultation.SymptomLogRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/symptoms/analyze" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"log_id":7,"recommendation":"HOSPITAL","nearby_hospitals":[{"name":"A","lat":37.5,"lng":127.0,"distance_m":300}],"processing_time_ms":12}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/", "secret", time.Second)
	acc := 12.0
	res, err := c.Analyze(context.Background(), consultation.SymptomLogRequest{
		SymptomText:  "severe headache",
		GPSPoint:     geo.Point{Lat: 37.5665, Lng: 126.978},
		GPSAccuracyM: &acc,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.LogID != 7 || res.Recommendation != consultation.RecommendHospital {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.NearbyHospitals) != 1 || res.NearbyHospitals[0].Lat == nil || *res.NearbyHospitals[0].Lat != 37.5 {
		t.Fatalf("hospital coordinates not decoded: %+v", res.NearbyHospitals)
	}
	if got.SymptomText != "severe headache" || got.GPSAccuracyM == nil || *got.GPSAccuracyM != 12 {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestNon2xxCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.Analyze(context.Background(), consultation.SymptomLogRequest{SymptomText: "cough"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusServiceUnavailable || !strings.Contains(se.Body, "model offline") {
		t.Fatalf("unexpected status error %+v", se)
	}
}

func TestSubmitFeedbackPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/symptoms/42/feedback" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req consultation.FeedbackRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(consultation.FeedbackAck{LogID: req.LogID, Helpful: req.Helpful, Comment: req.Comment})
	}))
	defer srv.Close()

	ack, err := NewClient(srv.URL, "", 0).SubmitFeedback(context.Background(), consultation.FeedbackRequest{LogID: 42, Helpful: false, Comment: "wrong pharmacy"})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if ack.LogID != 42 || ack.Comment != "wrong pharmacy" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestMockClientSeverity(t *testing.T) {
	m := NewMockClient()
	center := geo.Point{Lat: 37.5665, Lng: 126.978}

	mild, err := m.Analyze(context.Background(), consultation.SymptomLogRequest{SymptomText: "runny nose and cough", GPSPoint: center})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if mild.Recommendation != consultation.RecommendPharmacy || mild.IntakeToken != "" || len(mild.NearbyPharmacies) == 0 {
		t.Fatalf("unexpected mild result %+v", mild)
	}

	severe, _ := m.Analyze(context.Background(), consultation.SymptomLogRequest{SymptomText: "넘어져서 팔 골절 같아요", GPSPoint: center})
	if severe.Recommendation != consultation.RecommendHospital || severe.IntakeToken == "" {
		t.Fatalf("unexpected severe result %+v", severe)
	}
	if severe.LogID == mild.LogID {
		t.Fatal("log ids must be distinct")
	}
	for _, h := range severe.NearbyHospitals {
		if h.Lat == nil || h.DistanceM <= 0 {
			t.Fatalf("hospital without coordinates %+v", h)
		}
	}

	if _, err := m.SubmitFeedback(context.Background(), consultation.FeedbackRequest{LogID: severe.LogID, Helpful: true}); err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if fb, ok := m.Feedback(severe.LogID); !ok || !fb.Helpful {
		t.Fatalf("feedback not recorded: %+v", fb)
	}
}
