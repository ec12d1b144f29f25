package service

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/batchgen/internal/db"
	"github.com/raphaelgruber/batchgen/internal/storage"
)

var (
	// ErrNotFound indicates the referenced batch, run or reference image
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunInProgress indicates another execution holds the batch lock.
	ErrRunInProgress = errors.New("generation already in progress")

	// ErrLockLost indicates the heartbeat found the run lock owned by
	// someone else, usually after the reconciler declared this run stale.
	ErrLockLost = errors.New("run lock lost")
)

// ValidationError reports invalid caller input. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// notFound maps collaborator not-found sentinels onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
