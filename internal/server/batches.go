package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/raphaelgruber/batchgen/internal/models"
	"github.com/raphaelgruber/batchgen/internal/service"
)

const (
	batchNotFound = "Batch not found"

	// maxJSONBody bounds JSON request bodies.
	maxJSONBody = 1 << 20
)

type createBatchRequest struct {
	Name                *string  `json:"name"`
	Prompts             []string `json:"prompts"`
	ReferenceImageID    string   `json:"referenceImageId"`
	ImageCountPerPrompt int      `json:"imageCountPerPrompt"`
	RequiresReference   bool     `json:"requiresReference"`
}

type generateResponse struct {
	Message string  `json:"message"`
	Run     runView `json:"run"`
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.deps.Batches.List(r.Context())
	if err != nil {
		writeError(w, r, err, batchNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toBatchViews(batches))
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	batch, err := s.deps.Batches.Create(r.Context(), service.CreateBatchInput{
		Name:                req.Name,
		Prompts:             req.Prompts,
		ReferenceImageID:    req.ReferenceImageID,
		ImageCountPerPrompt: req.ImageCountPerPrompt,
		RequiresReference:   req.RequiresReference,
	})
	if err != nil {
		writeError(w, r, err, batchNotFound)
		return
	}

	s.startInBackground(r.Context(), batch)
	writeJSON(w, http.StatusCreated, toBatchView(batch))
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.deps.Batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, batchNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toBatchView(batch))
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Batches.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, batchNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// generateBatch runs generation synchronously, or in the background with
// ?async=true. The synchronous run is detached from the request so a
// disconnecting client cannot leave the batch half-finished.
func (s *Server) generateBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		run, err := s.deps.Runs.StartAsync(r.Context(), id)
		if err != nil {
			writeError(w, r, err, batchNotFound)
			return
		}
		writeJSON(w, http.StatusAccepted, generateResponse{Message: "Image generation started", Run: toRunView(run)})
		return
	}

	run, err := s.deps.Runs.Run(context.WithoutCancel(r.Context()), id)
	if err != nil {
		writeError(w, r, err, batchNotFound)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{Message: "Image generation completed", Run: toRunView(run)})
}

func (s *Server) rerunBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.deps.Batches.Rerun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, batchNotFound)
		return
	}

	s.startInBackground(r.Context(), batch)
	writeJSON(w, http.StatusCreated, toBatchView(batch))
}

// startInBackground triggers generation for a freshly created batch. The
// batch is returned to the caller regardless; a failed trigger leaves it
// PENDING for an explicit generate call.
func (s *Server) startInBackground(ctx context.Context, batch *models.Batch) {
	id := recordID(batch.ID)
	if _, err := s.deps.Runs.StartAsync(ctx, id); err != nil {
		slog.WarnContext(ctx, "failed to start generation", "batch_id", id, "error", err)
	}
}
