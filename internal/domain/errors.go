package domain

import "errors"

// Error taxonomy shared by every component. Component errors wrap one of these.
var (
	ErrValidation        = errors.New("validation failed")
	ErrCollaborator      = errors.New("collaborator unavailable")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRuntime           = errors.New("runtime failure")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
)

// Error kinds reported in event metadata and API responses.
const (
	KindValidation        = "validation"
	KindCollaborator      = "collaborator"
	KindResourceExhausted = "resource_exhausted"
	KindRuntime           = "runtime"
	KindConflict          = "conflict"
	KindNotFound          = "not_found"
	KindInternal          = "internal"
)

// ErrorKind classifies err into the shared taxonomy.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrRuntime):
		return KindRuntime
	case errors.Is(err, ErrCollaborator):
		return KindCollaborator
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
