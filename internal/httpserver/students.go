package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/examwatch/proctor-signaling/internal/auth"
	"github.com/examwatch/proctor-signaling/internal/metrics"
	"github.com/examwatch/proctor-signaling/internal/store"
)

// StudentsAPI serves the invigilator-facing read endpoints: the student
// roster and per-student suspicious-activity history.
type StudentsAPI struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	verifier   auth.Verifier
	adminRole  string
	directory  store.Directory
	activities store.ActivityStore
}

func NewStudentsAPI(log *slog.Logger, m *metrics.Metrics, verifier auth.Verifier, adminRole string, directory store.Directory, activities store.ActivityStore) *StudentsAPI {
	if log == nil {
		log = slog.Default()
	}
	return &StudentsAPI{
		log:        log,
		metrics:    m,
		verifier:   verifier,
		adminRole:  adminRole,
		directory:  directory,
		activities: activities,
	}
}

// Register mounts the API on mux. All routes require a bearer token with
// the invigilator role.
func (a *StudentsAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /students", a.requireAdmin(a.listStudents))
	mux.HandleFunc("GET /students/{id}", a.requireAdmin(a.getStudent))
	mux.HandleFunc("GET /students/{id}/suspicious-activities", a.requireAdmin(a.listActivities))
}

func (a *StudentsAPI) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r)
		if !ok {
			a.metrics.Inc(metrics.AuthFailure)
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
			return
		}
		if _, err := auth.RequireRole(a.verifier, token, a.adminRole); err != nil {
			a.metrics.Inc(metrics.AuthFailure)
			status := http.StatusForbidden
			if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
				status = http.StatusUnauthorized
			}
			WriteJSON(w, status, map[string]any{"error": "access denied"})
			return
		}
		next(w, r)
	}
}

func (a *StudentsAPI) listStudents(w http.ResponseWriter, r *http.Request) {
	students, err := a.directory.Students(r.Context())
	if err != nil {
		a.log.Error("listing students", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	if students == nil {
		students = []store.Student{}
	}
	WriteJSON(w, http.StatusOK, students)
}

func (a *StudentsAPI) getStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	student, err := a.directory.StudentByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteJSON(w, http.StatusNotFound, map[string]any{"error": "student not found"})
			return
		}
		a.log.Error("fetching student", "id", id, "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	WriteJSON(w, http.StatusOK, student)
}

func (a *StudentsAPI) listActivities(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	activities, err := a.activities.List(r.Context(), id)
	if err != nil {
		a.log.Error("listing activities", "id", id, "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	if activities == nil {
		activities = []store.Activity{}
	}
	WriteJSON(w, http.StatusOK, activities)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 0 {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid student id"})
		return 0, false
	}
	return id, true
}
