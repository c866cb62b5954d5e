package util

// Ptr returns a pointer to the given value.
// Useful for optional fields such as a submission's priority.
func Ptr[T any](v T) *T {
	return &v
}
