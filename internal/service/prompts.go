package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/batchgen/internal/expand"
)

// PromptService expands a mega prompt into image prompts.
type PromptService struct {
	expander expand.Expander
	refs     *ReferenceService
}

// NewPromptService creates a prompt service. refs may be nil, in which case
// reference keys are ignored.
func NewPromptService(expander expand.Expander, refs *ReferenceService) *PromptService {
	return &PromptService{expander: expander, refs: refs}
}

// Expand asks the text model for count prompts derived from megaPrompt.
// count <= 0 uses expand.DefaultCount. A referenceKey that does not resolve
// to a stored reference image is skipped.
func (s *PromptService) Expand(ctx context.Context, megaPrompt string, count int, referenceKey string) (*expand.Expansion, error) {
	megaPrompt = strings.TrimSpace(megaPrompt)
	if megaPrompt == "" {
		return nil, invalid("megaPrompt", "Mega prompt is required")
	}
	if count <= 0 {
		count = expand.DefaultCount
	}

	req := expand.Request{MegaPrompt: megaPrompt, Count: count}
	if referenceKey != "" && s.refs != nil {
		ref, err := s.refs.LoadByKey(ctx, referenceKey)
		switch {
		case errors.Is(err, ErrNotFound):
			slog.Warn("reference image not found, expanding without it", "key", referenceKey)
		case err != nil:
			return nil, err
		default:
			req.Reference = ref
		}
	}

	exp, err := s.expander.Expand(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("expand prompts: %w", err)
	}

	slog.Info("prompts expanded", "mode", exp.Mode, "requested", count, "prompts", len(exp.Prompts))
	return exp, nil
}
