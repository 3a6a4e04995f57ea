package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", LivenessHandler)
	r.GET("/readyz", ReadinessHandler(m))
	return r
}

func TestReadinessReflectsManagerState(t *testing.T) {
	m := NewManager(false)
	r := newRouter(m)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.Code)
	}

	m.SetReady(true)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", resp.Code)
	}
}

func TestReadinessFailsOnDependencyCheck(t *testing.T) {
	m := NewManager(true)
	m.AddCheck("redis", func(context.Context) error { return nil })
	m.AddCheck("mongo", func(context.Context) error { return errors.New("connection refused") })
	r := newRouter(m)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on failing check, got %d", resp.Code)
	}

	failures := m.Evaluate(context.Background())
	if len(failures) != 1 || failures["mongo"] == "" {
		t.Fatalf("expected only mongo failure, got %v", failures)
	}
}

func TestLiveness(t *testing.T) {
	r := newRouter(NewManager(false))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}
