// Package models defines the records persisted by batchgen.
package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Status is the lifecycle state of a batch or a generation run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Batch is a request to generate images for a set of prompts.
type Batch struct {
	ID                  surrealmodels.RecordID `json:"id"`
	Name                *string                `json:"name,omitempty"`
	Status              Status                 `json:"status"`
	ImageCountPerPrompt int                    `json:"image_count_per_prompt"`
	RequiresReference   bool                   `json:"requires_reference"`
	Prompts             []Prompt               `json:"prompts,omitempty"`
	ReferenceImages     []ReferenceImage       `json:"reference_images,omitempty"`
	RunToken            *string                `json:"run_token,omitempty"`
	RunHeartbeat        *time.Time             `json:"run_heartbeat,omitempty"`
	Created             time.Time              `json:"created"`
	Updated             time.Time              `json:"updated"`
}

// PrimaryReference returns the reference image shared by every generation
// request of the batch, or nil when the batch has none.
func (b *Batch) PrimaryReference() *ReferenceImage {
	if len(b.ReferenceImages) == 0 {
		return nil
	}
	return &b.ReferenceImages[0]
}

// ImageTotal is the number of images a full run of the batch produces.
func (b *Batch) ImageTotal() int {
	return len(b.Prompts) * b.ImageCountPerPrompt
}

// Prompt is a single text prompt within a batch. Immutable after creation.
type Prompt struct {
	ID              surrealmodels.RecordID `json:"id"`
	Batch           surrealmodels.RecordID `json:"batch"`
	Text            string                 `json:"text"`
	Position        int                    `json:"position"`
	GeneratedImages []GeneratedImage       `json:"generated_images,omitempty"`
	Created         time.Time              `json:"created"`
}

// ReferenceImage is an uploaded image used to condition generation.
type ReferenceImage struct {
	ID         surrealmodels.RecordID `json:"id"`
	StorageKey string                 `json:"storage_key"`
	URL        string                 `json:"url"`
	MIMEType   string                 `json:"mime_type"`
	Created    time.Time              `json:"created"`
}

// GeneratedImage is one image produced for a prompt. Insert only.
type GeneratedImage struct {
	ID         surrealmodels.RecordID `json:"id"`
	Prompt     surrealmodels.RecordID `json:"prompt"`
	StorageKey string                 `json:"storage_key"`
	URL        string                 `json:"url"`
	Created    time.Time              `json:"created"`
}

// BatchInput holds the fields needed to create a batch.
type BatchInput struct {
	Name                *string
	Prompts             []string
	ImageCountPerPrompt int
	RequiresReference   bool
	ReferenceImageIDs   []string
}

// ImageData is raw image content with its MIME type.
type ImageData struct {
	Data     []byte
	MIMEType string
}
