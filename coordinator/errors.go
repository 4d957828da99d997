package coordinator

import "fmt"

// ExecutionError is an assertion failure reported by the target.
type ExecutionError struct {
	Description string
	FileName    string
	LineNumber  uint64
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.FileName, e.LineNumber, e.Description)
}

// ExecutionException is an unexpected failure reported by the target.
type ExecutionException struct {
	Description string
}

func (e *ExecutionException) Error() string {
	return "exception: " + e.Description
}
