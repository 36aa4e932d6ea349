package boxlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/banksean/boxlite/internal/controller"
	"github.com/banksean/boxlite/internal/store"
)

func TestTranslateErrMapsSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", store.ErrNotFound, KindNotFound},
		{"already exists", store.ErrAlreadyExists, KindAlreadyExists},
		{"ambiguous prefix", store.ErrAmbiguous, KindConfig},
		{"context canceled", context.Canceled, KindInternal},
		{"context deadline", context.DeadlineExceeded, KindInternal},
		{"state error", &controller.StateError{Op: "exec", State: "Stopped"}, KindInvalidState},
		{"portal reset", &controller.PortalResetError{BoxID: "box1"}, KindPortal},
		{"image transient", fmt.Errorf("image(transient): pull failed"), KindImage},
		{"image permanent", fmt.Errorf("image(permanent): manifest not found"), KindImage},
		{"storage prefix", fmt.Errorf("storage: open db: boom"), KindStorage},
		{"portal prefix", fmt.Errorf("portal: frame too large"), KindPortal},
		{"network prefix", fmt.Errorf("network: port in use"), KindNetwork},
		{"engine prefix", fmt.Errorf("engine: no backend"), KindEngine},
		{"kvm prefix", fmt.Errorf("kvm: ioctl failed"), KindEngine},
		{"hvf prefix", fmt.Errorf("hvf: helper crashed"), KindEngine},
		{"controller prefix", fmt.Errorf("controller: no active session"), KindInternal},
		{"unrecognized", fmt.Errorf("boom"), KindInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := translateErr(tc.err)
			be, ok := err.(*Error)
			if !ok {
				t.Fatalf("translateErr(%v): want *Error, got %T", tc.err, err)
			}
			if be.Kind != tc.want {
				t.Fatalf("translateErr(%v).Kind = %v, want %v", tc.err, be.Kind, tc.want)
			}
		})
	}
}

func TestTranslateErrNilIsNil(t *testing.T) {
	if err := translateErr(nil); err != nil {
		t.Fatalf("translateErr(nil) = %v, want nil", err)
	}
}

func TestTranslateErrPassesThroughAlreadyTranslated(t *testing.T) {
	orig := &Error{Kind: KindEngine, Message: "already translated"}
	got := translateErr(orig)
	if got != error(orig) {
		t.Fatalf("translateErr should return the same *Error unchanged, got %v", got)
	}
}

func TestErrorIsMatchesOnKindAlone(t *testing.T) {
	err := notFoundf("box %s", "abc123")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("errors.Is(%v, ErrNotFound) = false, want true", err)
	}
	if errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("errors.Is(%v, ErrAlreadyExists) = true, want false", err)
	}
}
