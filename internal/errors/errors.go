// internal/errors/errors.go
package errors

import "fmt"

// ErrInvalidRepoFormat is returned when a repository string in the config is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// SynchronizationError is returned when a changeset could not be applied and its transaction was rolled back.
type SynchronizationError struct {
	RepositoryID int64
	Err          error
}

func (e *SynchronizationError) Error() string {
	return fmt.Sprintf("synchronization failed for repository %d: %v", e.RepositoryID, e.Err)
}

func (e *SynchronizationError) Unwrap() error {
	return e.Err
}
