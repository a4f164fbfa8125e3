package docker

import "errors"

var (
	// ErrNotFound indicates the requested Docker resource was not found.
	ErrNotFound = errors.New("docker: resource not found")
	// ErrNotInitialized is returned when the client was never constructed.
	ErrNotInitialized = errors.New("docker: client not initialized")
	// ErrPortAllocated indicates the daemon refused a host port binding.
	ErrPortAllocated = errors.New("docker: port already allocated")
)
