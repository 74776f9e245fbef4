package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type countingObserver struct {
	calls []int
}

func (c *countingObserver) ObserveRequest(method string, status int) {
	c.calls = append(c.calls, status)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	obs := &countingObserver{}

	handler := RequestLogger(logger, obs)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/pints/9", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("log = %q, want WARN for 404", out)
	}
	if !strings.Contains(out, "path=/api/pints/9") {
		t.Errorf("log = %q, want path", out)
	}
	if len(obs.calls) != 1 || obs.calls[0] != http.StatusNotFound {
		t.Errorf("observed = %v, want [404]", obs.calls)
	}
}

func TestStatusRecorderUnwrap(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner}
	if rec.Unwrap() != inner {
		t.Error("Unwrap should return the wrapped writer")
	}
}
