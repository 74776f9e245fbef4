// Package pubs talks to the shared pub backend: the pub list with
// leaderboards, and best-effort submission of scores and ratings.
package pubs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukerupert/gsplit/internal/model"
)

var ErrNotConfigured = errors.New("pub backend not configured")

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pub backend returned status %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	URL             string
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
}

// ScoreSubmission is posted to /api/pubs/{id}/scores.
type ScoreSubmission struct {
	Score         float64 `json:"score"`
	Username      string  `json:"username,omitempty"`
	AnonymousID   string  `json:"anonymous_id,omitempty"`
	SplitImage    string  `json:"split_image,omitempty"`
	SplitDetected bool    `json:"split_detected"`
	Feedback      string  `json:"feedback,omitempty"`
	Ranking       string  `json:"ranking,omitempty"`
	PubName       string  `json:"pub_name,omitempty"`
	PubAddress    string  `json:"pub_address,omitempty"`
	PubLat        float64 `json:"pub_lat,omitempty"`
	PubLng        float64 `json:"pub_lng,omitempty"`
}

// RatingSubmission is posted to /api/pubs/{id}/ratings.
type RatingSubmission struct {
	OverallRating float64  `json:"overall_rating"`
	Taste         float64  `json:"taste"`
	Temperature   float64  `json:"temperature"`
	Head          float64  `json:"head"`
	Price         *float64 `json:"price,omitempty"`
	Roast         string   `json:"roast,omitempty"`
	Username      string   `json:"username,omitempty"`
	AnonymousID   string   `json:"anonymous_id,omitempty"`
	PubName       string   `json:"pub_name,omitempty"`
	PubAddress    string   `json:"pub_address,omitempty"`
	PubLat        float64  `json:"pub_lat,omitempty"`
	PubLng        float64  `json:"pub_lng,omitempty"`
}

// Client is a Pub backend API client. Transport errors and 5xx replies are
// retried with exponential backoff; 4xx replies are not.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Configured() bool {
	return c.cfg.URL != ""
}

func (c *Client) ListPubs(ctx context.Context) ([]model.Pub, error) {
	var pubs []model.Pub
	if err := c.do(ctx, http.MethodGet, "/api/pubs", nil, &pubs); err != nil {
		return nil, fmt.Errorf("list pubs: %w", err)
	}
	for i := range pubs {
		pubs[i].Source = model.PubSourceBackend
	}
	return pubs, nil
}

// GetPub returns (nil, nil) when the backend does not know the place.
func (c *Client) GetPub(ctx context.Context, placeID string) (*model.Pub, error) {
	var pub model.Pub
	err := c.do(ctx, http.MethodGet, "/api/pubs/"+url.PathEscape(placeID), nil, &pub)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pub: %w", err)
	}
	pub.Source = model.PubSourceBackend
	return &pub, nil
}

func (c *Client) SubmitScore(ctx context.Context, placeID string, s ScoreSubmission) error {
	if err := c.do(ctx, http.MethodPost, "/api/pubs/"+url.PathEscape(placeID)+"/scores", s, nil); err != nil {
		return fmt.Errorf("submit score: %w", err)
	}
	return nil
}

func (c *Client) SubmitRating(ctx context.Context, placeID string, r RatingSubmission) error {
	if err := c.do(ctx, http.MethodPost, "/api/pubs/"+url.PathEscape(placeID)+"/ratings", r, nil); err != nil {
		return fmt.Errorf("submit rating: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	endpoint := strings.TrimRight(c.cfg.URL, "/") + path

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.InitialInterval),
		backoff.WithMaxInterval(10*time.Second),
	), c.cfg.MaxRetries)

	return backoff.Retry(func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			se := &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
			if resp.StatusCode < 500 {
				return backoff.Permanent(se)
			}
			return se
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 1024))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
