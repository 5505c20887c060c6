package consultation

import (
	"time"

	"github.com/google/uuid"

	"symptom-triage/internal/geo"
)

// Step is the active stage of a symptom-intake session.
type Step string

const (
	StepLocation     Step = "LOCATION"
	StepSymptomInput Step = "SYMPTOM_INPUT"
	StepAnalyzing    Step = "ANALYZING"
	StepResult       Step = "RESULT"
	StepFeedback     Step = "FEEDBACK"
)

type Recommendation string

const (
	RecommendPharmacy Recommendation = "PHARMACY"
	RecommendHospital Recommendation = "HOSPITAL"
)

// SymptomLogRequest is what the analysis endpoint receives.
type SymptomLogRequest struct {
	SymptomText  string    `json:"symptom_text"`
	SubSymptoms  []string  `json:"sub_symptoms,omitempty"`
	GPSPoint     geo.Point `json:"gps_point"`
	GPSAccuracyM *float64  `json:"gps_accuracy_m,omitempty"`
	RegionLabel  string    `json:"region_label,omitempty"`
}

type Drug struct {
	Name       string `json:"name"`
	Ingredient string `json:"ingredient"`
	Dosage     string `json:"dosage"`
	Warning    string `json:"warning,omitempty"`
}

// Hospital is a nearby facility. Lat/Lng are nil when the backend has no
// coordinate for it.
type Hospital struct {
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Phone        string   `json:"phone"`
	DistanceM    float64  `json:"distance_m"`
	HasEmergency bool     `json:"has_emergency"`
	Lat          *float64 `json:"lat,omitempty"`
	Lng          *float64 `json:"lng,omitempty"`
}

type Pharmacy struct {
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	Phone     string   `json:"phone"`
	DistanceM float64  `json:"distance_m"`
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
}

// AnalysisResult is the analysis endpoint's answer. It is never mutated
// after it is received; see Presenter.Result.
type AnalysisResult struct {
	LogID            int64          `json:"log_id"`
	PredictedDisease string         `json:"predicted_disease,omitempty"`
	Confidence       *float64       `json:"confidence,omitempty"`
	Recommendation   Recommendation `json:"recommendation"`
	RecommendedDrugs []Drug         `json:"recommended_drugs,omitempty"`
	NearbyHospitals  []Hospital     `json:"nearby_hospitals,omitempty"`
	NearbyPharmacies []Pharmacy     `json:"nearby_pharmacies,omitempty"`
	DURWarnings      []string       `json:"dur_warnings,omitempty"`
	IntakeToken      string         `json:"intake_token,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
}

func (r AnalysisResult) clone() AnalysisResult {
	out := r
	if r.Confidence != nil {
		c := *r.Confidence
		out.Confidence = &c
	}
	out.RecommendedDrugs = append([]Drug(nil), r.RecommendedDrugs...)
	out.NearbyHospitals = append([]Hospital(nil), r.NearbyHospitals...)
	for i := range out.NearbyHospitals {
		h := &out.NearbyHospitals[i]
		h.Lat, h.Lng = copyFloat(h.Lat), copyFloat(h.Lng)
	}
	out.NearbyPharmacies = append([]Pharmacy(nil), r.NearbyPharmacies...)
	for i := range out.NearbyPharmacies {
		p := &out.NearbyPharmacies[i]
		p.Lat, p.Lng = copyFloat(p.Lat), copyFloat(p.Lng)
	}
	out.DURWarnings = append([]string(nil), r.DURWarnings...)
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

const MaxCommentLength = 500

type FeedbackRequest struct {
	LogID   int64  `json:"log_id"`
	Helpful bool   `json:"helpful"`
	Comment string `json:"comment,omitempty"`
}

type FeedbackAck struct {
	LogID     int64     `json:"log_id"`
	Helpful   bool      `json:"helpful"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome is the record kept for every completed analysis.
type Outcome struct {
	SessionID      uuid.UUID      `json:"session_id"`
	LogID          int64          `json:"log_id"`
	Recommendation Recommendation `json:"recommendation"`
	Disease        string         `json:"predicted_disease,omitempty"`
	RegionLabel    string         `json:"region_label,omitempty"`
	IntakeToken    string         `json:"intake_token,omitempty"`
	Helpful        *bool          `json:"helpful,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
