package errors

import stderr "errors"

// As is a convenience re-export of the standard library's errors.As so callers
// don't need to import both packages.
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

// Is re-exports the standard library's errors.Is.
func Is(err, target error) bool {
	return stderr.Is(err, target)
}
