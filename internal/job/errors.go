package job

import "errors"

// ErrNotFound is returned when a job id is unknown to both the in-memory
// registry and the persistent store.
var ErrNotFound = errors.New("job not found")
