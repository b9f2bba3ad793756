package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrInvalidSelection = errors.New("invalid selection")
	ErrStorageFailure   = errors.New("storage failure")
	ErrSessionBusy      = errors.New("session busy")
	ErrProviderFailure  = errors.New("provider failure")
	ErrPartialRetrieval = errors.New("partial retrieval")

	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTemporary    = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
