package store

import (
	"errors"
	"fmt"
)

// Sentinel errors the root package translates into boxlite.Error kinds at
// the API boundary. Kept local (rather than importing the root package) to
// avoid an import cycle, the same seam boxer.go draws between sand's
// storage errors and its own UserMessenger-facing error text.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrAmbiguous     = errors.New("store: ambiguous prefix")
)

type storageErr struct {
	msg string
	err error
}

func (e *storageErr) Error() string { return fmt.Sprintf("%s: %v", e.msg, e.err) }
func (e *storageErr) Unwrap() error { return e.err }

func wrapStorage(msg string, err error) error {
	if err == nil {
		return nil
	}
	return &storageErr{msg: msg, err: err}
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

func alreadyExistsf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrAlreadyExists}, args...)...)
}

func configErrf(code, format string, args ...any) error {
	return fmt.Errorf("store config error [%s]: "+format, append([]any{code}, args...)...)
}
