package server

import (
	"time"

	"github.com/raphaelgruber/batchgen/internal/models"
	"github.com/raphaelgruber/batchgen/internal/service"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// objectsPath prefixes stored object urls ("bucket/key") to make them
// fetchable from this server.
const objectsPath = "/api/objects/"

type batchView struct {
	ID                  string          `json:"id"`
	Name                *string         `json:"name,omitempty"`
	Status              models.Status   `json:"status"`
	ImageCountPerPrompt int             `json:"imageCountPerPrompt"`
	RequiresReference   bool            `json:"requiresReference"`
	Running             bool            `json:"running"`
	Prompts             []promptView    `json:"prompts"`
	ReferenceImages     []referenceView `json:"referenceImages"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

type promptView struct {
	ID              string      `json:"id"`
	Text            string      `json:"text"`
	Position        int         `json:"position"`
	GeneratedImages []imageView `json:"generatedImages"`
}

type imageView struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Href       string    `json:"href"`
	StorageKey string    `json:"storageKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

type referenceView struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Href       string    `json:"href"`
	StorageKey string    `json:"storageKey"`
	MIMEType   string    `json:"mimeType"`
	CreatedAt  time.Time `json:"createdAt"`
}

type runView struct {
	ID          string        `json:"id"`
	BatchID     string        `json:"batchId"`
	Status      models.Status `json:"status"`
	Completed   int           `json:"completed"`
	Total       int           `json:"total"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

type expansionView struct {
	Mode    string   `json:"mode"`
	Prompts []string `json:"prompts"`
}

func toBatchView(b *models.Batch) batchView {
	v := batchView{
		ID:                  recordID(b.ID),
		Name:                b.Name,
		Status:              b.Status,
		ImageCountPerPrompt: b.ImageCountPerPrompt,
		RequiresReference:   b.RequiresReference,
		Running:             b.RunToken != nil,
		Prompts:             make([]promptView, len(b.Prompts)),
		ReferenceImages:     make([]referenceView, len(b.ReferenceImages)),
		CreatedAt:           b.Created,
		UpdatedAt:           b.Updated,
	}
	for i, p := range b.Prompts {
		pv := promptView{
			ID:              recordID(p.ID),
			Text:            p.Text,
			Position:        p.Position,
			GeneratedImages: make([]imageView, len(p.GeneratedImages)),
		}
		for j, img := range p.GeneratedImages {
			pv.GeneratedImages[j] = imageView{
				ID:         recordID(img.ID),
				URL:        img.URL,
				Href:       objectsPath + img.URL,
				StorageKey: img.StorageKey,
				CreatedAt:  img.Created,
			}
		}
		v.Prompts[i] = pv
	}
	for i := range b.ReferenceImages {
		v.ReferenceImages[i] = toReferenceView(&b.ReferenceImages[i])
	}
	return v
}

func toBatchViews(batches []models.Batch) []batchView {
	out := make([]batchView, len(batches))
	for i := range batches {
		out[i] = toBatchView(&batches[i])
	}
	return out
}

func toReferenceView(r *models.ReferenceImage) referenceView {
	return referenceView{
		ID:         recordID(r.ID),
		URL:        r.URL,
		Href:       objectsPath + r.URL,
		StorageKey: r.StorageKey,
		MIMEType:   r.MIMEType,
		CreatedAt:  r.Created,
	}
}

// failedRunMessage replaces run error detail in responses. The detail is
// in the server log.
const failedRunMessage = "Image generation failed"

func toRunView(r *service.RunSnapshot) runView {
	v := runView{
		ID:          r.ID,
		BatchID:     r.BatchID,
		Status:      r.Status,
		Completed:   r.Completed,
		Total:       r.Total,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.Error != "" {
		v.Error = failedRunMessage
	}
	return v
}

func toRunViews(runs []service.RunSnapshot) []runView {
	out := make([]runView, len(runs))
	for i := range runs {
		out[i] = toRunView(&runs[i])
	}
	return out
}

// recordID returns the key of a record id, or "" for a non-string key.
func recordID(id surrealmodels.RecordID) string {
	s, _ := models.RecordIDString(id)
	return s
}
