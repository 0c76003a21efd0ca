package pipeline

import "fmt"

// ErrorKind classifies the ways Extract can fail once every local recovery
// (retry, session refresh, mirror rotation) has been exhausted.
type ErrorKind int

const (
	// ErrInvalidURL means the input did not match any recognized Host
	// pattern, or a surl could not be extracted from it.
	ErrInvalidURL ErrorKind = iota
	// ErrNoFilesFound means the share resolved but its file list is empty.
	ErrNoFilesFound
	// ErrNoVideoFound means the file list is non-empty but every rung of
	// the stream-URL ladder was exhausted without producing a URL.
	ErrNoVideoFound
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidURL:
		return "InvalidUrl"
	case ErrNoFilesFound:
		return "NoFilesFound"
	case ErrNoVideoFound:
		return "NoVideoFound"
	default:
		return "Unknown"
	}
}

// ExtractError wraps a classified failure. HostError, transport errors, and
// context deadline errors pass through Extract unwrapped — callers use
// errors.As against *apiclient.HostError or errors.Is against
// context.DeadlineExceeded for those; ExtractError exists only for the
// three kinds this package itself originates.
type ExtractError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExtractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("pipeline: %s", e.Kind)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

func newExtractError(kind ErrorKind, err error) *ExtractError {
	return &ExtractError{Kind: kind, Err: err}
}
