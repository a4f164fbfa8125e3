package repository

import (
	"errors"
	"fmt"

	"github.com/eyes-pick/kapsules/internal/domain"
)

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = fmt.Errorf("repository: %w", domain.ErrNotFound)
	// ErrStaleBuild indicates a write for a build that is no longer current.
	ErrStaleBuild = fmt.Errorf("repository: stale build: %w", domain.ErrConflict)
	// ErrInvalidArgument indicates the request could not be persisted as given.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)
