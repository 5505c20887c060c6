package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"symptom-triage/internal/consultation"
	"symptom-triage/internal/geo"
)

// Severe symptoms always go to a hospital; everything else is treated as
// an over-the-counter case.
var hospitalKeywords = []string{
	"fracture", "bleeding", "chest pain", "shortness of breath", "seizure", "faint", "unconscious", "burn",
	"골절", "탈구", "출혈", "호흡곤란", "흉통", "경련", "실신", "의식", "화상",
}

// MockClient answers locally with deterministic results, for running
// without an analysis backend.
type MockClient struct {
	nextID atomic.Int64

	mu       sync.Mutex
	feedback map[int64]consultation.FeedbackRequest
}

func NewMockClient() *MockClient {
	return &MockClient{feedback: make(map[int64]consultation.FeedbackRequest)}
}

func (m *MockClient) Analyze(ctx context.Context, req consultation.SymptomLogRequest) (*consultation.AnalysisResult, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.ToLower(req.SymptomText + " " + strings.Join(req.SubSymptoms, " "))
	res := &consultation.AnalysisResult{LogID: m.nextID.Add(1)}

	if containsAny(text, hospitalKeywords) {
		conf := 0.9
		res.PredictedDisease = "Requires in-person examination"
		res.Confidence = &conf
		res.Recommendation = consultation.RecommendHospital
		res.IntakeToken = uuid.NewString()
		res.NearbyHospitals = []consultation.Hospital{
			nearbyHospital("Central Emergency Hospital", "02-120-0001", true, req.GPSPoint, 0.004, 0.003),
			nearbyHospital("Neighborhood Clinic", "02-120-0002", false, req.GPSPoint, -0.002, 0.005),
		}
	} else {
		conf := 0.7
		res.PredictedDisease = "Common cold"
		res.Confidence = &conf
		res.Recommendation = consultation.RecommendPharmacy
		res.RecommendedDrugs = []consultation.Drug{
			{Name: "Tylenol", Ingredient: "acetaminophen", Dosage: "500 mg every 4-6 hours"},
		}
		res.DURWarnings = []string{"Do not exceed 4000 mg of acetaminophen per day."}
		res.NearbyPharmacies = []consultation.Pharmacy{
			nearbyPharmacy("Corner Pharmacy", "02-130-0001", req.GPSPoint, 0.001, 0.001),
		}
	}

	res.ProcessingTimeMs = time.Since(started).Milliseconds()
	return res, nil
}

func (m *MockClient) SubmitFeedback(ctx context.Context, req consultation.FeedbackRequest) (*consultation.FeedbackAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.feedback[req.LogID] = req
	m.mu.Unlock()
	return &consultation.FeedbackAck{
		LogID:     req.LogID,
		Helpful:   req.Helpful,
		Comment:   req.Comment,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Feedback returns what was recorded for logID.
func (m *MockClient) Feedback(logID int64) (consultation.FeedbackRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fb, ok := m.feedback[logID]
	return fb, ok
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func offset(p geo.Point, dLat, dLng float64) (*float64, *float64, float64) {
	lat, lng := p.Lat+dLat, p.Lng+dLng
	return &lat, &lng, geo.Distance(p.Lat, p.Lng, lat, lng)
}

func nearbyHospital(name, phone string, emergency bool, p geo.Point, dLat, dLng float64) consultation.Hospital {
	lat, lng, d := offset(p, dLat, dLng)
	return consultation.Hospital{Name: name, Address: "Near you", Phone: phone, DistanceM: d, HasEmergency: emergency, Lat: lat, Lng: lng}
}

func nearbyPharmacy(name, phone string, p geo.Point, dLat, dLng float64) consultation.Pharmacy {
	lat, lng, d := offset(p, dLat, dLng)
	return consultation.Pharmacy{Name: name, Address: "Near you", Phone: phone, DistanceM: d, Lat: lat, Lng: lng}
}
