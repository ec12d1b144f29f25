package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// GenerationRun is the persisted record of one execution of a batch.
// Its ID is the run token that held the batch lock.
type GenerationRun struct {
	ID        surrealmodels.RecordID `json:"id"`
	Batch     surrealmodels.RecordID `json:"batch"`
	Status    Status                 `json:"status"`
	Total     int                    `json:"total"`
	Completed int                    `json:"completed"`
	Error     *string                `json:"error,omitempty"`
	Started   time.Time              `json:"started"`
	Finished  *time.Time             `json:"finished,omitempty"`
	Updated   time.Time              `json:"updated"`
}
