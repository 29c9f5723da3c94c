package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/examwatch/proctor-signaling/internal/auth"
	"github.com/examwatch/proctor-signaling/internal/metrics"
	"github.com/examwatch/proctor-signaling/internal/store"
)

type staticVerifier struct {
	tokens map[string]auth.Claims
}

func (v staticVerifier) Verify(token string) (auth.Claims, error) {
	claims, ok := v.tokens[token]
	if !ok {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return claims, nil
}

func newStudentsFixture(t *testing.T) (http.Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mem.AddStudent(store.Student{ID: 7, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"})

	verifier := staticVerifier{tokens: map[string]auth.Claims{
		"admin-token":   {Role: "Invigilator", Email: "prof@example.com"},
		"student-token": {Role: "Student", Email: "ada@example.com"},
	}}

	api := NewStudentsAPI(discardLogger(), metrics.New(), verifier, "Invigilator", mem, mem)
	mux := http.NewServeMux()
	api.Register(mux)
	return mux, mem
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStudentsRequiresToken(t *testing.T) {
	h, _ := newStudentsFixture(t)

	if rec := get(t, h, "/students", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := get(t, h, "/students", "bogus"); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
	if rec := get(t, h, "/students", "student-token"); rec.Code != http.StatusForbidden {
		t.Errorf("wrong role: status = %d, want 403", rec.Code)
	}
}

func TestListStudents(t *testing.T) {
	h, _ := newStudentsFixture(t)

	rec := get(t, h, "/students", "admin-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var students []store.Student
	if err := json.Unmarshal(rec.Body.Bytes(), &students); err != nil {
		t.Fatal(err)
	}
	if len(students) != 1 || students[0].ID != 7 {
		t.Fatalf("students = %+v", students)
	}
}

func TestGetStudent(t *testing.T) {
	h, _ := newStudentsFixture(t)

	rec := get(t, h, "/students/7", "admin-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if rec := get(t, h, "/students/999", "admin-token"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
	if rec := get(t, h, "/students/abc", "admin-token"); rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id: status = %d, want 400", rec.Code)
	}
}

func TestListActivities(t *testing.T) {
	h, mem := newStudentsFixture(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if _, err := mem.Append(context.Background(), 7, store.ActivityNoFace, base); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Append(context.Background(), 7, store.ActivityLookingAway, base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	rec := get(t, h, "/students/7/suspicious-activities", "admin-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var acts []store.Activity
	if err := json.Unmarshal(rec.Body.Bytes(), &acts); err != nil {
		t.Fatal(err)
	}
	if len(acts) != 2 || acts[0].Kind != store.ActivityLookingAway {
		t.Fatalf("activities = %+v, want newest first", acts)
	}

	if rec := get(t, h, "/students/8/suspicious-activities", "admin-token"); rec.Code != http.StatusOK {
		t.Errorf("empty history: status = %d, want 200", rec.Code)
	}
}
