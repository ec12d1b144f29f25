package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Runs.ListRuns(r.Context(), r.URL.Query().Get("batch"))
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toRunViews(runs))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, "Run not found")
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}
