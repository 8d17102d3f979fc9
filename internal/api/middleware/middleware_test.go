package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRequestLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel string
	}{
		{"успех", "/api/v1/stats", http.StatusOK, "level=INFO"},
		{"ошибка клиента", "/api/v1/records/x", http.StatusBadRequest, "level=WARN"},
		{"ошибка сервера", "/api/v1/stats", http.StatusInternalServerError, "level=ERROR"},
		{"probe", "/health/live", http.StatusOK, "level=DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("ok"))
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			out := buf.String()
			if !strings.Contains(out, tt.wantLevel) {
				t.Errorf("лог %q не содержит %s", out, tt.wantLevel)
			}
			if !strings.Contains(out, "bytes=2") {
				t.Errorf("лог %q не содержит размер ответа", out)
			}
		})
	}
}

func TestMetricsMiddleware_RoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware())

	var pattern string
	r.Get("/api/v1/records/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.With(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			pattern = routePattern(req)
		})
	}).Get("/api/v1/records/{id}/file", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/records/0d2b6c1e-1111-2222-3333-444455556666/file", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус: хотели 200, получили %d", rec.Code)
	}
	if pattern != "/api/v1/records/{id}/file" {
		t.Errorf("шаблон: хотели /api/v1/records/{id}/file, получили %q", pattern)
	}
}

func TestRoutePattern_NoRouteContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	if got := routePattern(req); got != unmatchedPath {
		t.Errorf("хотели %q, получили %q", unmatchedPath, got)
	}
}
