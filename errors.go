package boxlite

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification. Callers should switch on Kind (or
// use errors.Is against the sentinel values below), never on error strings.
type Kind string

const (
	KindUnsupportedEngine Kind = "unsupported_engine"
	KindEngine            Kind = "engine"
	KindConfig            Kind = "config"
	KindStorage           Kind = "storage"
	KindImage             Kind = "image"
	KindPortal            Kind = "portal"
	KindNetwork           Kind = "network"
	KindExecution         Kind = "execution"
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindInvalidState      Kind = "invalid_state"
	KindShutdown          Kind = "shutdown"
	KindInternal          Kind = "internal"
)

// Error is the error type every exported BoxLite operation returns. It
// carries a stable Kind plus an optional sub-code so callers can branch on
// e.g. Image(transient) vs Image(permanent) without string matching.
type Error struct {
	Kind    Kind
	Code    string // sub-code, e.g. "transient", "permanent", "PortInUse"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s(%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
		}
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, boxlite.ErrNotFound) work against a sentinel that
// only pins the Kind, ignoring Code/Message/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

func newErr(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// Sentinels for errors.Is comparisons against Kind alone.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrShutdown          = &Error{Kind: KindShutdown}
	ErrUnsupportedEngine = &Error{Kind: KindUnsupportedEngine}
)

func notFoundf(format string, args ...any) error {
	return newErr(KindNotFound, "", fmt.Sprintf(format, args...), nil)
}

func alreadyExistsf(format string, args ...any) error {
	return newErr(KindAlreadyExists, "", fmt.Sprintf(format, args...), nil)
}

func invalidStatef(code, format string, args ...any) error {
	return newErr(KindInvalidState, code, fmt.Sprintf(format, args...), nil)
}

func configErrf(code, format string, args ...any) error {
	return newErr(KindConfig, code, fmt.Sprintf(format, args...), nil)
}

func wrapStorage(msg string, err error) error {
	return newErr(KindStorage, "", msg, err)
}

func wrapEngine(msg string, err error) error {
	return newErr(KindEngine, "", msg, err)
}

func wrapPortal(code, msg string, err error) error {
	return newErr(KindPortal, code, msg, err)
}

func wrapImage(code, msg string, err error) error {
	return newErr(KindImage, code, msg, err)
}

func wrapNetwork(msg string, err error) error {
	return newErr(KindNetwork, "", msg, err)
}

func wrapInternal(msg string, err error) error {
	return newErr(KindInternal, "", msg, err)
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}
