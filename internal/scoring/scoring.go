// Package scoring submits a still of the pint to the split analysis service.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/gsplit/internal/imaging"
	"github.com/dukerupert/gsplit/internal/metrics"
	"github.com/dukerupert/gsplit/internal/model"
)

const defaultFeedback = "That's a pour"

var ErrNoImage = errors.New("no image")

// AnalysisError is returned when the service answers with a non-2xx status
// or an error field in the body.
type AnalysisError struct {
	StatusCode int
	Message    string
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed (status %d): %s", e.StatusCode, e.Message)
}

type Config struct {
	URL     string
	Timeout time.Duration
	Image   imaging.Options
}

// Client is a Scoring API client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	metrics    *metrics.Metrics

	// Verdict fills in feedback when the service returns none.
	Verdict func(model.SplitResult) string
}

func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Image == (imaging.Options{}) {
		cfg.Image = imaging.DefaultOptions()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		metrics:    m,
	}
}

type response struct {
	Score         *float64 `json:"score"`
	GLineDetected bool     `json:"g_line_detected"`
	Feedback      string   `json:"feedback"`
	DistanceMM    *float64 `json:"distance_from_g_line_mm"`
	Error         string   `json:"error"`
}

// Score compresses the image and submits it for analysis.
func (c *Client) Score(ctx context.Context, image []byte) (*model.SplitResult, error) {
	start := time.Now()
	res, err := c.score(ctx, image)
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
	}
	c.metrics.ObserveScoring(result, time.Since(start))
	return res, err
}

func (c *Client) score(ctx context.Context, image []byte) (*model.SplitResult, error) {
	if len(image) == 0 {
		return nil, ErrNoImage
	}

	upload, err := imaging.Compress(image, c.cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("prepare image: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "pint.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(upload); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.URL, "/") + "/analyze-split"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoring request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read scoring response: %w", err)
	}

	var r response
	decodeErr := json.Unmarshal(raw, &r)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := r.Error
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &AnalysisError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode scoring response: %w", decodeErr)
	}
	if r.Error != "" {
		return nil, &AnalysisError{StatusCode: resp.StatusCode, Message: r.Error}
	}
	if r.Score == nil {
		return nil, &AnalysisError{StatusCode: resp.StatusCode, Message: "response has no score"}
	}

	res := &model.SplitResult{
		Score:         clamp(*r.Score),
		SplitDetected: r.GLineDetected,
		Feedback:      r.Feedback,
		DistanceMM:    r.DistanceMM,
	}
	if res.Feedback == "" {
		res.Feedback = defaultFeedback
		if c.Verdict != nil {
			if v := c.Verdict(*res); v != "" {
				res.Feedback = v
			}
		}
	}
	return res, nil
}

func clamp(score float64) float64 {
	return max(0, min(100, score))
}
