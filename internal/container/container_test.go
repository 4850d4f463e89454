package container

import "testing"

func TestCreateSpecDeviceMapFormat(t *testing.T) {
	spec := CreateSpec{LoopDevice: "/dev/loop7"}
	want := "/dev/loop7:/dev/vdisk:rwm"
	got := spec.LoopDevice + ":/dev/vdisk:rwm"
	if got != want {
		t.Errorf("device map = %q, want %q", got, want)
	}
}
