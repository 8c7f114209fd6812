package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := NotFound("queue not found")
	if KindOf(err) != KindNotFound {
		t.Errorf("expected NOT_FOUND, got %s", KindOf(err))
	}

	// Wrapped errors still report their kind
	wrapped := fmt.Errorf("handler: %w", err)
	if KindOf(wrapped) != KindNotFound {
		t.Errorf("expected NOT_FOUND through wrap, got %s", KindOf(wrapped))
	}

	// Unclassified errors are treated as transient
	if KindOf(errors.New("connection refused")) != KindTransient {
		t.Error("unclassified error should report TRANSIENT")
	}
}

func TestIs(t *testing.T) {
	err := Closed("outside business hours")
	if !Is(err, KindClosed) {
		t.Error("expected Is to match CLOSED")
	}
	if Is(err, KindNotFound) {
		t.Error("Is matched the wrong kind")
	}
	if Is(nil, KindClosed) {
		t.Error("Is should never match nil")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Transient("store unavailable", cause)
	if !errors.Is(err, cause) {
		t.Error("expected cause to survive wrapping")
	}
}
