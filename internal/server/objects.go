package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/raphaelgruber/batchgen/internal/storage"
)

// getObject streams a stored image from one of the known buckets.
// Keys are immutable, so responses are cacheable. Only raster image types
// are served inline; anything else goes out as an octet-stream download.
func (s *Server) getObject(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	if key == "" || (bucket != s.deps.Buckets.Reference && bucket != s.deps.Buckets.Generated) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Object not found"})
		return
	}

	obj, err := s.deps.Objects.Get(r.Context(), bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Object not found"})
		return
	}
	if err != nil {
		writeError(w, r, err, "")
		return
	}

	contentType := obj.MIMEType
	if contentType == "" {
		contentType = http.DetectContentType(obj.Data)
	}
	if _, ok := storage.ImageMIMEType(contentType); !ok {
		contentType = "application/octet-stream"
		w.Header().Set("Content-Disposition", "attachment")
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}
