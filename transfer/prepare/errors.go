package prepare

import (
	"fmt"
)

// ConfigurationError is a preparation setting or input outside its allowed
// range: conflicting force flags, part sizes outside the 5 MiB - 5 GiB
// window, transfers needing more than 10,000 parts, empty input files.
type ConfigurationError struct {
	Option string
	Reason string
}

// Error ...
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid transfer preparation: %s: %s", e.Option, e.Reason)
}

// ConcurrentModificationError means the source file changed while its digest
// was being computed. The digest can no longer be trusted, so the whole
// preparation is invalid.
type ConcurrentModificationError struct {
	Path   string
	Detail string
}

// Error ...
func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("file %s was modified during preparation: %s", e.Path, e.Detail)
}
