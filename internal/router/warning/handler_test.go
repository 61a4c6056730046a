package warning

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
)

func newTestRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(svc).RegisterRoutes(r)
	return r
}

func TestHandler_ListAndAcknowledge(t *testing.T) {
	svc := NewInMemoryService(0)
	svc.AddWarning(CategoryMediation, SeverityError, "boom", "pool:p1")
	svc.AddWarning(CategoryConfiguration, SeverityWarning, "unknown subscription", "manager")
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/warnings/?severity=error", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var listed []Warning
	if err := sonic.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(listed) != 1 || listed[0].Message != "boom" {
		t.Fatalf("Expected the ERROR warning only, got %+v", listed)
	}

	req = httptest.NewRequest(http.MethodPost, "/warnings/"+listed[0].ID+"/acknowledge", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/warnings/missing/acknowledge", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestHandler_ClearAll(t *testing.T) {
	svc := NewInMemoryService(0)
	svc.AddWarning(CategoryMediation, SeverityError, "boom", "test")
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/warnings/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if svc.Count() != 0 {
		t.Error("Expected warnings to be cleared")
	}
}
