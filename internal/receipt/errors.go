package receipt

import "errors"

var (
	// ErrValidation means the caller supplied input that can never succeed as sent
	ErrValidation = errors.New("validation failed")

	// ErrAuth means no authenticated owner was supplied
	ErrAuth = errors.New("authentication required")

	// ErrStorage means the blob store failed or refused the operation
	ErrStorage = errors.New("storage failure")

	// ErrNotFoundOrForbidden covers both a missing record and one owned by someone else
	ErrNotFoundOrForbidden = errors.New("not found")

	// ErrPersist means the record store failed to commit a write
	ErrPersist = errors.New("persist failure")

	// ErrObjectExists is returned by Storage.Put when the path is already taken
	ErrObjectExists = errors.New("object already exists")

	// ErrObjectNotFound is returned by Storage when the path does not exist
	ErrObjectNotFound = errors.New("object not found")
)
