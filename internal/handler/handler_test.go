package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/gsplit/internal/capture"
	"github.com/dukerupert/gsplit/internal/database"
	"github.com/dukerupert/gsplit/internal/directory"
	"github.com/dukerupert/gsplit/internal/ledger"
	"github.com/dukerupert/gsplit/internal/metrics"
	"github.com/dukerupert/gsplit/internal/model"
	"github.com/dukerupert/gsplit/internal/pintlog"
	"github.com/dukerupert/gsplit/internal/roast"
	"github.com/dukerupert/gsplit/internal/session"
	"github.com/dukerupert/gsplit/internal/store"
	"github.com/dukerupert/gsplit/internal/websocket"
)

var testImage = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type fakeScorer struct {
	res *model.SplitResult
	err error
}

func (f *fakeScorer) Score(ctx context.Context, image []byte) (*model.SplitResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := *f.res
	return &r, nil
}

type fakeDetector struct{}

func (fakeDetector) Detect(ctx context.Context, frame []byte) ([]model.Detection, error) {
	return []model.Detection{{Class: "g-logo", Confidence: 0.9, BBox: [4]float64{10, 10, 50, 50}}}, nil
}

type fakePubs struct {
	pubs []model.Pub
}

func (f *fakePubs) ListPubs(ctx context.Context) ([]model.Pub, error) { return f.pubs, nil }

func (f *fakePubs) GetPub(ctx context.Context, placeID string) (*model.Pub, error) {
	for _, p := range f.pubs {
		if p.PlaceID == placeID {
			return &p, nil
		}
	}
	return nil, nil
}

type env struct {
	pints    *PintHandler
	sessions *session.Manager
	svc      *pintlog.Service
	scorer   *fakeScorer
	settings *store.SettingsStore
	hub      *websocket.Hub
	metrics  *metrics.Metrics
	mux      *http.ServeMux
}

func setup(t *testing.T) *env {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ss := store.NewSettingsStore(db)
	bank, err := roast.DefaultBank()
	if err != nil {
		t.Fatalf("roast bank: %v", err)
	}
	m := metrics.New()
	hub := websocket.NewHub(logger)
	svc := pintlog.NewService(pintlog.Config{}, store.NewPintStore(db), ledger.New(ss, nil),
		roast.NewGenerator(roast.Config{}, bank, logger), nil, hub, m, logger)
	t.Cleanup(svc.Wait)

	scorer := &fakeScorer{res: &model.SplitResult{Score: 82, SplitDetected: true, Feedback: "Close to the line"}}
	sessions := session.NewManager(time.Hour)
	ph := NewPintHandler(svc, scorer, sessions, logger)

	backend := &fakePubs{pubs: []model.Pub{
		{PlaceID: "p1", Name: "The Brazen Head", Address: "20 Bridge St", Lat: 53.3449, Lng: -6.2764},
		{PlaceID: "p2", Name: "Mulligan's", Address: "8 Poolbeg St", Lat: 53.3470, Lng: -6.2545},
	}}
	pub := NewPubHandler(directory.NewService(backend, nil, logger), backend, nil, logger)
	sh := NewSessionHandler(sessions)
	st := NewSettingsHandler(ss, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/analyze", ph.Analyze)
	mux.HandleFunc("GET /api/pints", ph.List)
	mux.HandleFunc("GET /api/pints/stats", ph.Stats)
	mux.HandleFunc("GET /api/pints/chart.png", ph.Chart)
	mux.HandleFunc("GET /api/pints/{id}", ph.Get)
	mux.HandleFunc("DELETE /api/pints/{id}", ph.Delete)
	mux.HandleFunc("POST /api/pints/{id}/survey", ph.Survey)
	mux.HandleFunc("GET /api/ledger", ph.Ledger)
	mux.HandleFunc("GET /api/tiers", ph.Tiers)
	mux.HandleFunc("GET /api/pubs", pub.Search)
	mux.HandleFunc("GET /api/pubs/{id}", pub.Get)
	mux.HandleFunc("GET /api/places/autocomplete", pub.Autocomplete)
	mux.HandleFunc("GET /api/session", sh.Get)
	mux.HandleFunc("PUT /api/session", sh.Update)
	mux.HandleFunc("GET /api/settings", st.Get)
	mux.HandleFunc("PUT /api/settings", st.Update)

	return &env{pints: ph, sessions: sessions, svc: svc, scorer: scorer, settings: ss, hub: hub, metrics: m, mux: mux}
}

func (e *env) do(t *testing.T, method, path string, body io.Reader, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "pint.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write(image)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func (e *env) analyze(t *testing.T, cookies ...*http.Cookie) pintlog.Recorded {
	t.Helper()
	body, ct := uploadRequest(t, testImage)
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", body)
	req.Header.Set("Content-Type", ct)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("analyze status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var got pintlog.Recorded
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestAnalyzeRecordsPint(t *testing.T) {
	e := setup(t)

	got := e.analyze(t)
	if got.Pint == nil || got.Pint.Score != 82 {
		t.Fatalf("pint = %+v, want score 82", got.Pint)
	}
	if got.PointsEarned != 82 {
		t.Errorf("points earned = %d, want 82", got.PointsEarned)
	}
	if got.Streak != 1 {
		t.Errorf("streak = %d, want 1", got.Streak)
	}
	if !strings.HasPrefix(got.Pint.Image, "data:image/jpeg;base64,") {
		t.Errorf("image = %.30q, want jpeg data URL", got.Pint.Image)
	}

	rec := e.do(t, http.MethodGet, "/api/pints", nil)
	var list []model.Pint
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list) != 1 {
		t.Errorf("pints = %d, want 1", len(list))
	}
}

func TestAnalyzeNoImage(t *testing.T) {
	e := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(""))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAnalyzeAttachesSessionPub(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPut, "/api/session", strings.NewReader(`{"pub_name":"The Brazen Head","username":"ada"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("put session status = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected session cookie")
	}

	got := e.analyze(t, cookies...)
	if got.Pint.PubName == nil || *got.Pint.PubName != "The Brazen Head" {
		t.Errorf("pub name = %v, want The Brazen Head", got.Pint.PubName)
	}

	rec = e.do(t, http.MethodGet, "/api/session", nil, cookies...)
	var sel model.Selection
	json.NewDecoder(rec.Body).Decode(&sel)
	if sel.Username != "ada" {
		t.Errorf("username = %q, want ada", sel.Username)
	}
}

func TestSessionRejectsHalfCoordinates(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPut, "/api/session", strings.NewReader(`{"pub_name":"x","lat":53.3}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetAndDeletePint(t *testing.T) {
	e := setup(t)
	id := e.analyze(t).Pint.ID
	path := "/api/pints/" + strconvID(id)

	if rec := e.do(t, http.MethodGet, path, nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/pints/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestSurvey(t *testing.T) {
	e := setup(t)
	id := e.analyze(t).Pint.ID
	path := "/api/pints/" + strconvID(id) + "/survey"

	rec := e.do(t, http.MethodPost, path, strings.NewReader(`{"taste":7,"temperature":4,"head":4}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid survey status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodPost, path, strings.NewReader(`{"taste":5,"temperature":4,"head":4}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("survey status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var res pintlog.SurveyResult
	json.NewDecoder(rec.Body).Decode(&res)
	if res.Pint.OverallRating == nil || *res.Pint.OverallRating != 4.3 {
		t.Errorf("overall = %v, want 4.3", res.Pint.OverallRating)
	}
	if res.Roast.Text == "" {
		t.Error("expected a roast")
	}

	rec = e.do(t, http.MethodPost, path, strings.NewReader(`{"taste":1,"temperature":1,"head":1}`))
	if rec.Code != http.StatusConflict {
		t.Errorf("second survey status = %d, want 409", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/pints/999/survey", strings.NewReader(`{"taste":1,"temperature":1,"head":1}`))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown pint status = %d, want 404", rec.Code)
	}
}

func TestStatsLedgerAndChart(t *testing.T) {
	e := setup(t)
	e.analyze(t)

	rec := e.do(t, http.MethodGet, "/api/pints/stats", nil)
	var stats model.PintStats
	json.NewDecoder(rec.Body).Decode(&stats)
	if stats.Count != 1 || stats.Best != 82 {
		t.Errorf("stats = %+v, want count 1 best 82", stats)
	}

	rec = e.do(t, http.MethodGet, "/api/ledger", nil)
	var sum ledger.Summary
	json.NewDecoder(rec.Body).Decode(&sum)
	if sum.TotalPoints != 82 || sum.Tier.Name != "Tourist" {
		t.Errorf("summary = %+v, want 82 points as Tourist", sum)
	}

	rec = e.do(t, http.MethodGet, "/api/tiers", nil)
	var tiers []ledger.Tier
	json.NewDecoder(rec.Body).Decode(&tiers)
	if len(tiers) != 6 {
		t.Errorf("tiers = %d, want 6", len(tiers))
	}

	rec = e.do(t, http.MethodGet, "/api/pints/chart.png", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Errorf("chart status = %d, content type = %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestPubSearch(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodGet, "/api/pubs?lat=53.3470&lng=-6.2545&q=head", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var pubs []model.Pub
	json.NewDecoder(rec.Body).Decode(&pubs)
	if len(pubs) != 1 || pubs[0].PlaceID != "p1" {
		t.Fatalf("pubs = %+v, want only p1", pubs)
	}
	if pubs[0].Distance == nil {
		t.Error("expected distance with coordinates")
	}

	rec = e.do(t, http.MethodGet, "/api/pubs", nil)
	json.NewDecoder(rec.Body).Decode(&pubs)
	if len(pubs) != 2 || pubs[0].Distance != nil {
		t.Errorf("without coordinates: %d pubs, want 2 without distance", len(pubs))
	}
}

func TestPubDetail(t *testing.T) {
	e := setup(t)

	if rec := e.do(t, http.MethodGet, "/api/pubs/p2", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/pubs/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	rec := e.do(t, http.MethodGet, "/api/places/autocomplete?input=brazen", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("autocomplete without places = %d %s, want empty list", rec.Code, rec.Body.String())
	}
}

func TestSettings(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPut, "/api/settings", strings.NewReader(`{"total_points":"99999"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ledger key status = %d, want 400", rec.Code)
	}
	rec = e.do(t, http.MethodPut, "/api/settings", strings.NewReader(`{"backup_retention_days":"0"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad retention status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodPut, "/api/settings", strings.NewReader(`{"streak_reminder_enabled":"false"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]string
	json.NewDecoder(rec.Body).Decode(&got)
	if got[store.KeyStreakReminder] != "false" {
		t.Errorf("streak reminder = %q, want false", got[store.KeyStreakReminder])
	}
	if _, ok := got[store.KeyTotalPoints]; ok {
		t.Error("ledger keys must not be exposed")
	}
}

func strconvID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func dialCapture(t *testing.T, e *env) (*ws.Conn, context.Context) {
	t.Helper()
	h := NewCaptureHandler(capture.Config{
		PollInterval: 10 * time.Millisecond,
		SettleDelay:  10 * time.Millisecond,
		FreezeDelay:  10 * time.Millisecond,
	}, fakeDetector{}, e.scorer, e.svc, e.sessions, e.metrics, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	srv := httptest.NewServer(http.HandlerFunc(h.Handle))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func readEvent(t *testing.T, ctx context.Context, conn *ws.Conn) captureEvent {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev captureEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return ev
}

func TestCaptureSessionRecordsPint(t *testing.T) {
	e := setup(t)
	conn, ctx := dialCapture(t, e)

	frames, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-frames.Done():
				return
			case <-ticker.C:
				if err := conn.Write(frames, ws.MessageBinary, testImage); err != nil {
					return
				}
			}
		}
	}()

	var states []capture.State
	var result *pintlog.Recorded
	for result == nil {
		ev := readEvent(t, ctx, conn)
		switch ev.Type {
		case "status":
			states = append(states, ev.Status.State)
		case "result":
			result = ev.Result
		case "error":
			t.Fatalf("capture error: %s", ev.Error)
		}
	}
	stop()

	if result.Pint.Score != 82 {
		t.Errorf("score = %v, want 82", result.Pint.Score)
	}
	want := []capture.State{capture.StateLoading, capture.StateNoG, capture.StateLocked, capture.StateCapturing, capture.StateFrozen, capture.StateAnalyzing, capture.StateDone}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
	if n := len(e.svc.List()); n != 1 {
		t.Errorf("pints = %d, want 1", n)
	}
}

func TestCaptureSessionCameraDenied(t *testing.T) {
	e := setup(t)
	conn, ctx := dialCapture(t, e)

	waitFor := func(state capture.State) {
		t.Helper()
		for {
			ev := readEvent(t, ctx, conn)
			if ev.Type == "status" && ev.Status.State == state {
				return
			}
		}
	}

	// the session asks for the camera right away
	for {
		ev := readEvent(t, ctx, conn)
		if ev.Type == "camera" && ev.Action == "start" {
			break
		}
	}
	if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"camera_denied","reason":"Permission denied"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(capture.StateCameraUnavailable)

	if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"retry"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(capture.StateLoading)
}
