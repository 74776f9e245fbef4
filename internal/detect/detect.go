// Package detect calls a hosted object-detection model to find the G on a
// camera frame.
package detect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/gsplit/internal/metrics"
	"github.com/dukerupert/gsplit/internal/model"
)

var ErrNotConfigured = errors.New("detection not configured")

type Config struct {
	URL     string
	Model   string
	Version string
	APIKey  string
	Timeout time.Duration
}

// Client is a Detection API client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	metrics    *metrics.Metrics
}

func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.URL == "" {
		cfg.URL = "https://detect.roboflow.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		metrics:    m,
	}
}

func (c *Client) Configured() bool {
	return c.cfg.APIKey != "" && c.cfg.Model != ""
}

type prediction struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type response struct {
	Predictions []prediction `json:"predictions"`
}

// Detect sends the frame and returns its detections with corner-anchored
// bounding boxes.
func (c *Client) Detect(ctx context.Context, frame []byte) ([]model.Detection, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	dets, err := c.detect(ctx, frame)
	switch {
	case err != nil:
		c.metrics.ObserveDetection(metrics.ResultError)
	case len(dets) == 0:
		c.metrics.ObserveDetection(metrics.ResultEmpty)
	default:
		c.metrics.ObserveDetection(metrics.ResultOK)
	}
	return dets, err
}

func (c *Client) detect(ctx context.Context, frame []byte) ([]model.Detection, error) {
	version := c.cfg.Version
	if version == "" {
		version = "1"
	}
	endpoint := fmt.Sprintf("%s/%s/%s?api_key=%s",
		strings.TrimRight(c.cfg.URL, "/"), url.PathEscape(c.cfg.Model), url.PathEscape(version), url.QueryEscape(c.cfg.APIKey))

	body := base64.StdEncoding.EncodeToString(frame)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detection API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode detection response: %w", err)
	}

	dets := make([]model.Detection, 0, len(r.Predictions))
	for _, p := range r.Predictions {
		dets = append(dets, model.Detection{
			Class:      p.Class,
			Confidence: p.Confidence,
			BBox:       [4]float64{p.X - p.Width/2, p.Y - p.Height/2, p.Width, p.Height},
		})
	}
	return dets, nil
}
