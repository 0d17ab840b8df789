// Package storetest runs an in-process fake of the remote patient store for
// tests.
package storetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Upload is one variant file received by the fake.
type Upload struct {
	PatientID     string
	FileName      string
	Metadata      map[string]string
	Content       []byte
	Authorization string
}

// Server is a fake store. Unless overridden, uploads succeed with 200 the
// first time and 409 when the patient already holds the file name.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	patients map[string][]string
	forced   map[string]int
	files    map[string]bool
	uploads  []Upload
	lookups  []string
	deletes  []string
}

// New starts a fake store and stops it when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		patients: make(map[string][]string),
		forced:   make(map[string]int),
		files:    make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requireAuthorization)
	r.Route("/rest", func(r chi.Router) {
		r.Get("/patients/fetch", s.handleFetch)
		r.Get("/patients/eid/{eid}", s.handleByEID)
		r.Put("/variant-source-files/patients/{patientID}/files/{fileName}", s.handleUpload)
		r.Delete("/variant-source-files/patients/{patientID}/files/{fileName}", s.handleDelete)
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// AddPatient registers internal id for eid. Registering several ids for
// one eid makes lookups ambiguous.
func (s *Server) AddPatient(eid, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[eid] = append(s.patients[eid], id)
}

// RespondWith forces every upload for patientID to return status.
func (s *Server) RespondWith(patientID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced[patientID] = status
}

// Uploads returns every accepted or rejected upload in arrival order.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// UploadsFor returns uploads addressed to patientID.
func (s *Server) UploadsFor(patientID string) []Upload {
	var out []Upload
	for _, u := range s.Uploads() {
		if u.PatientID == patientID {
			out = append(out, u)
		}
	}
	return out
}

// Lookups returns the external ids queried, in order.
func (s *Server) Lookups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lookups...)
}

// Deletes returns `<patient>/<file>` for each delete call.
func (s *Server) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

func requireAuthorization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type patientJSON struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	eid := r.URL.Query().Get("eid")
	s.mu.Lock()
	s.lookups = append(s.lookups, eid)
	ids := append([]string(nil), s.patients[eid]...)
	s.mu.Unlock()

	out := make([]patientJSON, 0, len(ids))
	for _, id := range ids {
		out = append(out, patientJSON{ID: id, ExternalID: eid})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleByEID(w http.ResponseWriter, r *http.Request) {
	eid := chi.URLParam(r, "eid")
	s.mu.Lock()
	s.lookups = append(s.lookups, eid)
	ids := append([]string(nil), s.patients[eid]...)
	s.mu.Unlock()

	switch len(ids) {
	case 0:
		http.Error(w, "not found", http.StatusNotFound)
	case 1:
		writeJSON(w, http.StatusOK, patientJSON{ID: ids[0], ExternalID: eid})
	default:
		w.WriteHeader(http.StatusMultipleChoices)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	fileName := chi.URLParam(r, "fileName")

	if err := r.ParseMultipartForm(16 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	up := Upload{PatientID: patientID, FileName: fileName, Authorization: r.Header.Get("Authorization")}
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &up.Metadata); err != nil {
		http.Error(w, "bad metadata", http.StatusBadRequest)
		return
	}
	f, _, err := r.FormFile("fileStream")
	if err != nil {
		http.Error(w, "missing fileStream", http.StatusBadRequest)
		return
	}
	up.Content, _ = io.ReadAll(f)
	_ = f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, up)

	if status, ok := s.forced[patientID]; ok {
		w.WriteHeader(status)
		return
	}
	key := patientID + "/" + fileName
	if s.files[key] {
		w.WriteHeader(http.StatusConflict)
		return
	}
	s.files[key] = true
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "patientID") + "/" + chi.URLParam(r, "fileName")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, key)
	if !s.files[key] {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(s.files, key)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
