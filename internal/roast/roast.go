// Package roast writes the short captions shown after a rating or a split:
// a remote generator for pub roasts with a local phrase bank as fallback.
package roast

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/gsplit/internal/model"
	"gopkg.in/yaml.v3"
)

//go:embed roasts.yaml
var bankYAML []byte

const distancePlaceholder = "{mm}"

type Tier struct {
	Name  string   `yaml:"name"`
	Min   float64  `yaml:"min"`
	Lines []string `yaml:"lines"`
}

// Bank holds phrase tiers, each sorted by descending minimum.
type Bank struct {
	Pub   []Tier `yaml:"pub"`
	Split []Tier `yaml:"split"`
}

func ParseBank(data []byte) (*Bank, error) {
	var b Bank
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse roast bank: %w", err)
	}
	if len(b.Pub) == 0 || len(b.Split) == 0 {
		return nil, fmt.Errorf("roast bank needs pub and split tiers")
	}
	for _, tiers := range [][]Tier{b.Pub, b.Split} {
		sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Min > tiers[j].Min })
		for _, t := range tiers {
			if len(t.Lines) == 0 {
				return nil, fmt.Errorf("roast tier %q has no lines", t.Name)
			}
		}
	}
	return &b, nil
}

// DefaultBank parses the embedded phrase bank.
func DefaultBank() (*Bank, error) {
	return ParseBank(bankYAML)
}

func tierFor(tiers []Tier, v float64) Tier {
	for _, t := range tiers {
		if v >= t.Min {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// PubTier returns the pub roast tier for an overall rating.
func (b *Bank) PubTier(rating float64) Tier {
	return tierFor(b.Pub, rating)
}

// SplitTier returns the verdict tier for a split score.
func (b *Bank) SplitTier(score float64) Tier {
	return tierFor(b.Split, score)
}

type Config struct {
	URL     string
	Timeout time.Duration
}

// Request is what the roast service is told about a rating.
type Request struct {
	Rating      float64 `json:"rating"`
	Taste       float64 `json:"taste"`
	Temperature float64 `json:"temperature"`
	Head        float64 `json:"head"`
	Pub         string  `json:"pub,omitempty"`
}

type Roast struct {
	Text        string `json:"roast"`
	AIGenerated bool   `json:"is_ai_generated"`
	Fallback    bool   `json:"-"`
}

// Generator is a Roast-generation API client with a local fallback.
type Generator struct {
	cfg        Config
	bank       *Bank
	httpClient *http.Client
	pick       func(n int) int
	logger     *slog.Logger
}

func NewGenerator(cfg Config, bank *Bank, logger *slog.Logger) *Generator {
	if cfg.Timeout == 0 {
		cfg.Timeout = 8 * time.Second
	}
	return &Generator{
		cfg:        cfg,
		bank:       bank,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pick:       rand.IntN,
		logger:     logger,
	}
}

// PubRoast asks the roast service for a caption. Any failure falls back to
// a random line from the local bank, so it always returns a roast.
func (g *Generator) PubRoast(ctx context.Context, req Request) Roast {
	if g.cfg.URL != "" {
		r, err := g.fetch(ctx, req)
		if err == nil && strings.TrimSpace(r.Text) != "" {
			return r
		}
		g.logger.Warn("roast generation failed, using local bank", "error", err)
	}
	return Roast{Text: g.LocalPubRoast(req.Rating), Fallback: true}
}

func (g *Generator) LocalPubRoast(rating float64) string {
	lines := g.bank.PubTier(rating).Lines
	return lines[g.pick(len(lines))]
}

// SplitVerdict picks a verdict line for a scored split. Lines that quote the
// distance are skipped when the distance is unknown.
func (g *Generator) SplitVerdict(res model.SplitResult) string {
	lines := g.bank.SplitTier(res.Score).Lines
	if res.DistanceMM == nil {
		plain := make([]string, 0, len(lines))
		for _, l := range lines {
			if !strings.Contains(l, distancePlaceholder) {
				plain = append(plain, l)
			}
		}
		lines = plain
	}
	if len(lines) == 0 {
		return ""
	}

	line := lines[g.pick(len(lines))]
	if res.DistanceMM != nil {
		line = strings.ReplaceAll(line, distancePlaceholder, strconv.FormatFloat(*res.DistanceMM, 'f', 0, 64))
	}
	return line
}

func (g *Generator) fetch(ctx context.Context, in Request) (Roast, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Roast{}, fmt.Errorf("encode roast request: %w", err)
	}

	endpoint := strings.TrimRight(g.cfg.URL, "/") + "/generate-pub-roast"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Roast{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Roast{}, fmt.Errorf("roast request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Roast{}, fmt.Errorf("roast API returned status %d", resp.StatusCode)
	}

	var r Roast
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Roast{}, fmt.Errorf("decode roast response: %w", err)
	}
	return r, nil
}
