package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := RequestLogger(logger, "X-Device-ID")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/zones/family-1/records/setting/missing", nil)
	req.Header.Set("X-Device-ID", "dev-a")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("expected a warning for a 404, got %q", out)
	}
	if !strings.Contains(out, "status=404") {
		t.Errorf("expected status in log line, got %q", out)
	}
	if !strings.Contains(out, "device_id=dev-a") {
		t.Errorf("expected device id in log line, got %q", out)
	}
}

func TestStatusRecorderUnwrap(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner, status: http.StatusOK}
	if rec.Unwrap() != inner {
		t.Error("Unwrap should return the wrapped writer")
	}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("expected an error hijacking a recorder")
	}
}
