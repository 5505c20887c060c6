package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"symptom-triage/internal/consultation"
)

// Client talks to the symptom analysis backend.
type Client interface {
	Analyze(ctx context.Context, req consultation.SymptomLogRequest) (*consultation.AnalysisResult, error)
	SubmitFeedback(ctx context.Context, req consultation.FeedbackRequest) (*consultation.FeedbackAck, error)
}

type httpClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for the backend at baseURL. apiKey is optional
// and sent as a bearer token.
func NewClient(baseURL, apiKey string, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Analyze posts one symptom log. It never retries; the caller decides.
func (c *httpClient) Analyze(ctx context.Context, req consultation.SymptomLogRequest) (*consultation.AnalysisResult, error) {
	if strings.TrimSpace(req.SymptomText) == "" {
		return nil, fmt.Errorf("symptom text is empty")
	}

	var result consultation.AnalysisResult
	if err := c.post(ctx, "/symptoms/analyze", req, &result); err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	return &result, nil
}

func (c *httpClient) SubmitFeedback(ctx context.Context, req consultation.FeedbackRequest) (*consultation.FeedbackAck, error) {
	var ack consultation.FeedbackAck
	path := fmt.Sprintf("/symptoms/%d/feedback", req.LogID)
	if err := c.post(ctx, path, req, &ack); err != nil {
		return nil, fmt.Errorf("feedback for log %d: %w", req.LogID, err)
	}
	return &ack, nil
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Status string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend error: %s - %s", e.Status, e.Body)
}

func (c *httpClient) post(ctx context.Context, path string, in, out any) error {
	jsonBody, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Status: resp.Status, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
