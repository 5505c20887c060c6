package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/signintech/gopdf"

	"symptom-triage/internal/consultation"
)

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SendDocument(ctx context.Context, chatID string, data []byte, fileName, caption string) error
}

var errNoFont = errors.New("no usable TTF font")

// Service sends hospital intake summaries to the intake desk chat.
type Service struct {
	tgClient  TelegramClient
	chatID    string
	fontPaths []string
	logger    *slog.Logger
	now       func() time.Time
}

// NewService tries fontPath first, then the usual system locations of
// fonts with Hangul coverage.
func NewService(tg TelegramClient, chatID, fontPath string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	paths := []string{
		"/usr/share/fonts/truetype/nanum/NanumGothic.ttf",
		"/usr/share/fonts/nanum/NanumGothic.ttf",
		"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	}
	if fontPath != "" {
		paths = append([]string{fontPath}, paths...)
	}
	return &Service{
		tgClient:  tg,
		chatID:    chatID,
		fontPaths: paths,
		logger:    logger,
		now:       time.Now,
	}
}

// SendIntakeHandoff sends the PDF summary, or a plain text summary when no
// font is available to render one.
func (s *Service) SendIntakeHandoff(ctx context.Context, h consultation.Handoff) error {
	if s.chatID == "" {
		return errors.New("intake chat not configured")
	}
	logger := s.logger.With("session_id", h.SessionID.String(), "log_id", h.Result.LogID)

	pdf, err := s.RenderPDF(h)
	if errors.Is(err, errNoFont) {
		logger.Warn("no font for intake PDF, sending text summary")
		return s.tgClient.SendMessage(ctx, s.chatID, strings.Join(summaryLines(h, s.now()), "\n"))
	}
	if err != nil {
		return err
	}

	fileName := fmt.Sprintf("intake_%d.pdf", h.Result.LogID)
	caption := fmt.Sprintf("Intake %s", h.Result.IntakeToken)
	if err := s.tgClient.SendDocument(ctx, s.chatID, pdf, fileName, caption); err != nil {
		return fmt.Errorf("send intake PDF: %w", err)
	}
	logger.Info("intake handoff sent")
	return nil
}

// RenderPDF lays out the handoff summary on one A4 page.
func (s *Service) RenderPDF(h consultation.Handoff) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("body", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return nil, fmt.Errorf("%w: %v", errNoFont, fontErr)
	}

	if err := pdf.SetFont("body", "", 18); err != nil {
		return nil, err
	}
	pdf.Cell(nil, "Hospital intake summary")
	pdf.Br(28)

	if err := pdf.SetFont("body", "", 11); err != nil {
		return nil, err
	}
	for _, line := range summaryLines(h, s.now()) {
		wrapped, err := pdf.SplitText(line, 500)
		if err != nil {
			wrapped = []string{line}
		}
		for _, l := range wrapped {
			pdf.Cell(nil, l)
			pdf.Br(14)
		}
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func summaryLines(h consultation.Handoff, at time.Time) []string {
	r := h.Result
	lines := []string{
		fmt.Sprintf("Date: %s", at.Format("2006-01-02 15:04")),
		fmt.Sprintf("Intake token: %s", r.IntakeToken),
		fmt.Sprintf("Log ID: %d", r.LogID),
		fmt.Sprintf("Recommendation: %s", r.Recommendation),
	}
	if h.RegionLabel != "" {
		lines = append(lines, "Region: "+h.RegionLabel)
	}
	if h.Symptoms.Text != "" {
		lines = append(lines, "Symptoms: "+h.Symptoms.Text)
	}
	if len(h.Symptoms.SubSymptoms) > 0 {
		lines = append(lines, "Also reported: "+strings.Join(h.Symptoms.SubSymptoms, ", "))
	}
	if r.PredictedDisease != "" {
		line := "Suspected: " + r.PredictedDisease
		if r.Confidence != nil {
			line += fmt.Sprintf(" (%.0f%%)", *r.Confidence*100)
		}
		lines = append(lines, line)
	}
	for _, w := range r.DURWarnings {
		lines = append(lines, "Warning: "+w)
	}
	for i, hosp := range r.NearbyHospitals {
		if i == 3 {
			break
		}
		line := fmt.Sprintf("Nearby: %s, %s (%.0f m)", hosp.Name, hosp.Phone, hosp.DistanceM)
		if hosp.HasEmergency {
			line += ", emergency room"
		}
		lines = append(lines, line)
	}
	return lines
}
