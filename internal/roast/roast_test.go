package roast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/gsplit/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T, url string) *Generator {
	t.Helper()
	bank, err := DefaultBank()
	require.NoError(t, err)
	g := NewGenerator(Config{URL: url}, bank, slog.Default())
	g.pick = func(int) int { return 0 }
	return g
}

func TestDefaultBankTiers(t *testing.T) {
	bank, err := DefaultBank()
	require.NoError(t, err)

	tests := []struct {
		rating float64
		want   string
	}{
		{5, "top"},
		{4.5, "top"},
		{4.4, "solid"},
		{3.5, "solid"},
		{2.5, "mid"},
		{1.5, "rough"},
		{1.4, "bottom"},
		{0, "bottom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bank.PubTier(tt.rating).Name, "rating %v", tt.rating)
	}

	splits := []struct {
		score float64
		want  string
	}{
		{100, "perfect"},
		{90, "perfect"},
		{89.6, "solid-high"},
		{75, "solid-low"},
		{70, "mid-high"},
		{50, "mid-low"},
		{24.9, "criminal"},
		{0, "criminal"},
	}
	for _, tt := range splits {
		assert.Equal(t, tt.want, bank.SplitTier(tt.score).Name, "score %v", tt.score)
	}
}

func TestParseBankRejectsEmptyTier(t *testing.T) {
	_, err := ParseBank([]byte("pub:\n  - name: a\n    min: 0\nsplit:\n  - name: b\n    min: 0\n    lines: [x]\n"))
	assert.ErrorContains(t, err, `"a"`)
}

func TestPubRoastRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate-pub-roast", r.URL.Path)
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 4.5, req.Rating)
		assert.Equal(t, "The Stag", req.Pub)
		w.Write([]byte(`{"roast": "The Stag pours like it means it.", "is_ai_generated": true}`))
	}))
	defer srv.Close()

	r := newTestGenerator(t, srv.URL).PubRoast(context.Background(), Request{Rating: 4.5, Taste: 5, Temperature: 4, Head: 4.5, Pub: "The Stag"})
	assert.Equal(t, "The Stag pours like it means it.", r.Text)
	assert.True(t, r.AIGenerated)
	assert.False(t, r.Fallback)
}

func TestPubRoastFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestGenerator(t, srv.URL).PubRoast(context.Background(), Request{Rating: 1})
	assert.Equal(t, "Never again", r.Text)
	assert.True(t, r.Fallback)
}

func TestPubRoastWithoutService(t *testing.T) {
	r := newTestGenerator(t, "").PubRoast(context.Background(), Request{Rating: 3.9})
	assert.Equal(t, "Decent spot", r.Text)
}

func TestSplitVerdictDistance(t *testing.T) {
	g := newTestGenerator(t, "")
	mm := 12.4
	g.pick = func(n int) int { return n - 1 }

	v := g.SplitVerdict(model.SplitResult{Score: 10, DistanceMM: &mm})
	assert.Equal(t, "The G weeps.", v)

	// pick a distance line from the rough tier
	g.pick = func(int) int { return 0 }
	v = g.SplitVerdict(model.SplitResult{Score: 30, DistanceMM: &mm})
	assert.Equal(t, "12mm. Your ancestors crossed an ocean for this?", v)
}

func TestSplitVerdictWithoutDistance(t *testing.T) {
	g := newTestGenerator(t, "")
	for i := 0; i < 30; i++ {
		n := i
		g.pick = func(max int) int { return n % max }
		v := g.SplitVerdict(model.SplitResult{Score: 30})
		assert.NotContains(t, v, "{mm}")
		assert.False(t, strings.Contains(v, "mm."), "distance line chosen: %q", v)
	}
}
