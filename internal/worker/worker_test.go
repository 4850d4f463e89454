package worker

import (
	"testing"
	"time"
)

func TestBindToUserSetsBusyAndUser(t *testing.T) {
	w := &Worker{}
	w.status.Store(StatusIdle)
	w.boundUser.Store("")

	w.BindToUser("user-123")

	if w.Status() != StatusBusy {
		t.Errorf("status = %v, want %v", w.Status(), StatusBusy)
	}
	if w.BoundUser() != "user-123" {
		t.Errorf("BoundUser() = %q, want %q", w.BoundUser(), "user-123")
	}
}

func TestTouchUpdatesLastActive(t *testing.T) {
	w := &Worker{}
	w.touch()
	first := w.LastActive()

	time.Sleep(time.Millisecond)
	w.Touch()
	second := w.LastActive()

	if !second.After(first) {
		t.Errorf("expected LastActive to advance, got %v then %v", first, second)
	}
}
