package boxlite

import (
	"context"
	"errors"
	"strings"

	"github.com/banksean/boxlite/internal/controller"
	"github.com/banksean/boxlite/internal/store"
)

// translateErr maps errors from internal/store, internal/imagestore, and
// internal/controller into a *Error carrying the stable Kind taxonomy
// spec.md §7 requires, so callers never need to inspect internal error
// types or match on message strings.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if be, ok := err.(*Error); ok {
		return be
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newErr(KindInternal, "Timeout", "operation cancelled or timed out", err)
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundf("%v", err)
	case errors.Is(err, store.ErrAlreadyExists):
		return alreadyExistsf("%v", err)
	case errors.Is(err, store.ErrAmbiguous):
		return configErrf("AmbiguousPrefix", "%v", err)
	}

	var se *controller.StateError
	if errors.As(err, &se) {
		return invalidStatef(se.State, "%s not allowed in state %s", se.Op, se.State)
	}
	var pr *controller.PortalResetError
	if errors.As(err, &pr) {
		return wrapPortal("Reset", pr.Error(), nil)
	}

	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "image(transient):"):
		return wrapImage("transient", msg, err)
	case strings.HasPrefix(msg, "image(permanent):"):
		return wrapImage("permanent", msg, err)
	case strings.HasPrefix(msg, "storage:"):
		return wrapStorage(msg, err)
	case strings.HasPrefix(msg, "portal:"):
		return wrapPortal("", msg, err)
	case strings.HasPrefix(msg, "network:"):
		return wrapNetwork(msg, err)
	case strings.HasPrefix(msg, "engine:") || strings.HasPrefix(msg, "kvm:") || strings.HasPrefix(msg, "hvf:"):
		return wrapEngine(msg, err)
	case strings.HasPrefix(msg, "controller:"):
		return wrapInternal(msg, err)
	}
	return wrapInternal(msg, err)
}
