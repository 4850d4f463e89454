package gatewayerr

import (
	"errors"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(KindCapacity, "pool.acquire", errors.New("full"))
	if !Is(err, KindCapacity) {
		t.Error("expected Is to match the wrapped kind")
	}
	if Is(err, KindPath) {
		t.Error("expected Is to reject a mismatched kind")
	}
}

func TestIsRejectsPlainError(t *testing.T) {
	if Is(errors.New("plain"), KindCapacity) {
		t.Error("expected Is to reject a non-*Error")
	}
	if Is(nil, KindCapacity) {
		t.Error("expected Is to reject nil")
	}
}

func TestUnwrapExposesUnderlyingError(t *testing.T) {
	inner := errors.New("disk full")
	err := New(KindCapacity, "vdisk.create", inner)
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to see through Error.Unwrap")
	}
}

func TestBatchErrorMessage(t *testing.T) {
	b := &BatchError{Operation: "Upload", Failed: 2, Total: 5, FirstError: "boom"}
	want := "Upload failed for 2/5 file(s): boom"
	if got := b.Error(); got != want {
		t.Errorf("BatchError.Error() = %q, want %q", got, want)
	}
}
