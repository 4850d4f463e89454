package vdisk

import "testing"

func TestImagePath(t *testing.T) {
	d := New("worker-abc", "/var/lib/gw/vdisks", "/var/lib/gw/mounts", 500)
	want := "/var/lib/gw/vdisks/worker-abc.img"
	if got := d.ImagePath(); got != want {
		t.Errorf("ImagePath() = %q, want %q", got, want)
	}
}

func TestLoopDeviceRegexp(t *testing.T) {
	cases := map[string]bool{
		"/dev/loop0":   true,
		"/dev/loop12":  true,
		"/dev/sda1":    false,
		"/dev/loop":    false,
		"/dev/loop0\n": false,
		"":             false,
	}
	for input, want := range cases {
		if got := loopDeviceRe.MatchString(input); got != want {
			t.Errorf("loopDeviceRe.MatchString(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestFormatRequiresAttach(t *testing.T) {
	d := New("worker-xyz", t.TempDir(), t.TempDir(), 100)
	if err := d.Format(nil); err == nil {
		t.Fatal("expected error formatting an unattached disk")
	}
}

func TestMountRequiresAttach(t *testing.T) {
	d := New("worker-xyz", t.TempDir(), t.TempDir(), 100)
	if _, err := d.MountToHost(nil); err == nil {
		t.Fatal("expected error mounting an unattached disk")
	}
}
