package remote

import "fmt"

// PermanentError is an HTTP 4xx outcome: the request itself is wrong and
// retrying cannot fix it.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent remote error %d: %s", e.StatusCode, e.Body)
}

// ProtocolError is a malformed or incomplete response envelope. Not retried.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// ExhaustedError wraps the last transient fault after all retries were spent.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("remote call failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
