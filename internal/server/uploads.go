package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
)

// maxUploadBytes bounds reference image uploads.
const maxUploadBytes = 20 << 20

func (s *Server) uploadReference(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "File too large"})
			return
		}
		badRequest(w, "No file uploaded")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "No file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, err, "")
		return
	}

	ref, err := s.deps.References.Upload(r.Context(), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toReferenceView(ref))
}

// generatePrompts accepts multipart or urlencoded forms with megaPrompt,
// count and referenceImages (a reference image storage key).
func (s *Server) generatePrompts(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxJSONBody); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		badRequest(w, "Invalid form")
		return
	}

	count, _ := strconv.Atoi(r.FormValue("count"))
	exp, err := s.deps.Prompts.Expand(r.Context(), r.FormValue("megaPrompt"), count, r.FormValue("referenceImages"))
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, expansionView{Mode: string(exp.Mode), Prompts: exp.Prompts})
}
