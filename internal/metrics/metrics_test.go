package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRoutePattern_UsesChiPattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/scenarios/{scenarioID}", func(w http.ResponseWriter, req *http.Request) {
		got = routePattern(req)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/scenarios/abc-123", nil))
	if got != "/scenarios/{scenarioID}" {
		t.Errorf("expected route pattern, got %q", got)
	}
}

func TestRoutePattern_FallsBackToPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	if got := routePattern(req); got != "/health" {
		t.Errorf("expected raw path, got %q", got)
	}
}

func TestMiddleware_CapturesStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("middleware must pass the status through, got %d", rec.Code)
	}
}

func TestStatusWriter_DefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, status: 200}
	w.Write([]byte("ok"))
	if w.status != 200 {
		t.Errorf("expected 200, got %d", w.status)
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("expected an error from a recorder that cannot hijack")
	}
}
