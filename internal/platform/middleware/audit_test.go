package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
)

type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestContext(method, path string, actor *auth.Actor) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestAudit_RecordsMutation(t *testing.T) {
	rec := &mockRecorder{}
	doctor := auth.Actor{ID: uuid.New(), Role: auth.RoleDoctor}
	apptID := uuid.NewString()

	c, _ := newTestContext(http.MethodPatch, "/api/v1/appointments/"+apptID+"/status", &doctor)
	c.Set("request_id", "req-abc")

	if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 entry, got %d", rec.count())
	}
	entry := rec.last()
	if entry.ActorID != doctor.ID.String() || entry.ActorRole != "doctor" {
		t.Errorf("unexpected actor in %+v", entry)
	}
	if entry.Resource != "appointments" || entry.ResourceID != apptID {
		t.Errorf("unexpected resource %q/%q", entry.Resource, entry.ResourceID)
	}
	if entry.Action != "update" || entry.RequestID != "req-abc" || entry.StatusCode != http.StatusOK {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestAudit_CapturesErrorStatus(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/v1/emergency/calls/"+uuid.NewString()+"/accept", nil)

	failing := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "already taken")
	}
	err := Audit(zerolog.Nop(), rec)(failing)(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	entry := rec.last()
	if entry.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", entry.StatusCode)
	}
	if entry.Resource != "emergency" || entry.Action != "create" {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestAudit_SkipsReadsAndOtherPaths(t *testing.T) {
	rec := &mockRecorder{}
	mw := Audit(zerolog.Nop(), rec)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/appointments"},
		{http.MethodPost, "/health"},
		{http.MethodGet, "/ws"},
	} {
		c, _ := newTestContext(tc.method, tc.path, nil)
		if err := mw(okHandler)(c); err != nil {
			t.Fatalf("%s %s: unexpected error: %v", tc.method, tc.path, err)
		}
	}
	if rec.count() != 0 {
		t.Errorf("expected no entries, got %d", rec.count())
	}
}

func TestAudit_RecorderErrorDoesNotBreakRequest(t *testing.T) {
	rec := &mockRecorder{err: errors.New("disk full")}
	c, httpRec := newTestContext(http.MethodPost, "/api/v1/appointments", nil)

	if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if httpRec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", httpRec.Code)
	}
}

func TestExtractResource(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		path, resource, id string
	}{
		{"/api/v1/appointments", "appointments", ""},
		{"/api/v1/appointments/" + id + "/status", "appointments", id},
		{"/api/v1/emergency/calls/" + id + "/end", "emergency", id},
		{"/api/v1/", "unknown", ""},
	}
	for _, tt := range tests {
		r, gotID := extractResource(tt.path)
		if r != tt.resource || gotID != tt.id {
			t.Errorf("%s: got %q/%q, want %q/%q", tt.path, r, gotID, tt.resource, tt.id)
		}
	}
}

func TestAuditRecorderFunc(t *testing.T) {
	called := false
	f := AuditRecorderFunc(func(entry AuditEntry) error {
		called = true
		return nil
	})
	_ = f.RecordAccess(AuditEntry{})
	if !called {
		t.Error("expected func to be called")
	}
}
