package models

import (
	"fmt"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Table names used for record IDs.
const (
	TableBatch          = "batch"
	TablePrompt         = "prompt"
	TableReferenceImage = "reference_image"
	TableGeneratedImage = "generated_image"
	TableGenerationRun  = "generation_run"
)

// RecordIDString extracts the string key from a SurrealDB RecordID.
// Returns an error if the key is not a string.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// MustRecordIDString extracts the string key, panicking if it is not a string.
// All batchgen records are created with uuid string keys.
func MustRecordIDString(id surrealmodels.RecordID) string {
	s, err := RecordIDString(id)
	if err != nil {
		panic(err)
	}
	return s
}

// NewRecordID builds a record ID for table with a string key.
func NewRecordID(table, id string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(table, id)
}
