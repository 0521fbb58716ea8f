package domain

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")

	// Fatal pipeline stages.
	ErrFetch        = errors.New("fetch failed")
	ErrBuildFailed  = errors.New("build failed")
	ErrBuildTimeout = errors.New("build timed out")
	ErrSwapFailed   = errors.New("container swap failed")

	// ErrPruneFailed is logged and swallowed; it never changes a deploy's status.
	ErrPruneFailed = errors.New("prune failed")
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// NonEmpty returns nil for an empty string so optional columns stay NULL.
func NonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
