// Package vdisk manages the per-worker block-device-backed filesystem: a
// sparse image file attached as a loop device, formatted ext4, and mounted
// on the host so the gateway can read and write the worker's files directly.
//
// Lifecycle is strictly create -> attach_loop -> format -> mount_to_host ->
// destroy. Destroy is the only cleanup path and is idempotent and
// best-effort: every step is attempted independently and a failure in one
// step never prevents the rest from running.
package vdisk

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/codeinterp/gateway/internal/gatewayerr"
	"github.com/codeinterp/gateway/internal/subprocess"
	"golang.org/x/sys/unix"
)

var loopDeviceRe = regexp.MustCompile(`^/dev/loop\d+$`)

// VirtualDisk is a single worker's sparse image -> loop device -> ext4 ->
// host mount. The zero value is unattached, unformatted, unmounted.
type VirtualDisk struct {
	ContainerName string // human-readable name used to derive file/dir names
	BaseDir       string // directory holding sparse image files
	MountDir      string // directory under which per-worker mount points live
	SizeMB        int

	loopDevice string // set after attach_loop
	mountPoint string // set after mount_to_host
}

// New returns a VirtualDisk for the given worker container name.
func New(containerName, baseDir, mountDir string, sizeMB int) *VirtualDisk {
	return &VirtualDisk{
		ContainerName: containerName,
		BaseDir:       baseDir,
		MountDir:      mountDir,
		SizeMB:        sizeMB,
	}
}

// ImagePath is the sparse image file's path.
func (d *VirtualDisk) ImagePath() string {
	return filepath.Join(d.BaseDir, d.ContainerName+".img")
}

// LoopDevice returns the attached loop device path, or "" if not attached.
func (d *VirtualDisk) LoopDevice() string { return d.loopDevice }

// MountPoint returns the host mount point, or "" if not mounted.
func (d *VirtualDisk) MountPoint() string { return d.mountPoint }

// Create allocates a sparse image file of the configured size.
func (d *VirtualDisk) Create(ctx context.Context) error {
	if err := os.MkdirAll(d.BaseDir, 0700); err != nil {
		return gatewayerr.New(gatewayerr.KindInvariant, "vdisk.create", err)
	}

	if err := checkFreeSpace(d.BaseDir, int64(d.SizeMB)*1024*1024); err != nil {
		return err
	}

	path := d.ImagePath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindInvariant, "vdisk.create", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(d.SizeMB) * 1024 * 1024); err != nil {
		return gatewayerr.New(gatewayerr.KindInvariant, "vdisk.create", err)
	}
	return nil
}

// checkFreeSpace guards against allocating a sparse image the host can't
// actually back once it starts filling in, using a statfs of the base dir.
func checkFreeSpace(dir string, wantBytes int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		// Not fatal: statfs failing shouldn't block disk creation, just means
		// we can't pre-flight the check.
		log.Printf("vdisk: statfs %s failed, skipping free-space check: %v", dir, err)
		return nil
	}
	available := int64(stat.Bavail) * int64(stat.Bsize)
	if available < wantBytes {
		return gatewayerr.New(gatewayerr.KindCapacity, "vdisk.create",
			fmt.Errorf("insufficient free space on %s: have %d bytes, need %d", dir, available, wantBytes))
	}
	return nil
}

// AttachLoop attaches the image file to a free loop device and returns its
// path. The returned device must match /dev/loop\d+ or the attach is
// treated as an invariant violation (losetup returned something we didn't
// expect, possibly from a shell injection or a non-Linux host).
func (d *VirtualDisk) AttachLoop(ctx context.Context) (string, error) {
	stdout, _, err := subprocess.Run(ctx, true, "losetup", "--find", "--show", d.ImagePath())
	if err != nil {
		return "", err
	}

	dev := strings.TrimSpace(string(stdout))
	if !loopDeviceRe.MatchString(dev) {
		return "", gatewayerr.New(gatewayerr.KindInvariant, "vdisk.attach_loop",
			fmt.Errorf("unexpected losetup output: %q", dev))
	}

	d.loopDevice = dev
	return dev, nil
}

// Format creates an ext4 filesystem on the attached loop device.
func (d *VirtualDisk) Format(ctx context.Context) error {
	if d.loopDevice == "" {
		return gatewayerr.New(gatewayerr.KindInvariant, "vdisk.format", fmt.Errorf("not attached"))
	}
	_, _, err := subprocess.Run(ctx, true, "mkfs.ext4", "-F", d.loopDevice)
	return err
}

// MountToHost creates the per-worker mount directory and mounts the loop
// device there with nosymfollow. It refuses to mount over a symlinked path.
func (d *VirtualDisk) MountToHost(ctx context.Context) (string, error) {
	if d.loopDevice == "" {
		return "", gatewayerr.New(gatewayerr.KindInvariant, "vdisk.mount_to_host", fmt.Errorf("not attached"))
	}

	mountPoint := filepath.Join(d.MountDir, d.ContainerName)
	if err := os.MkdirAll(d.MountDir, 0755); err != nil {
		return "", gatewayerr.New(gatewayerr.KindInvariant, "vdisk.mount_to_host", err)
	}

	if info, err := os.Lstat(mountPoint); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return "", gatewayerr.New(gatewayerr.KindSecurity, "vdisk.mount_to_host",
				fmt.Errorf("mount point %s is a symlink", mountPoint))
		}
	} else if !os.IsNotExist(err) {
		return "", gatewayerr.New(gatewayerr.KindInvariant, "vdisk.mount_to_host", err)
	} else if err := os.Mkdir(mountPoint, 0755); err != nil && !os.IsExist(err) {
		return "", gatewayerr.New(gatewayerr.KindInvariant, "vdisk.mount_to_host", err)
	}

	if _, _, err := subprocess.Run(ctx, true, "mount", "-o", "nosymfollow", d.loopDevice, mountPoint); err != nil {
		return "", err
	}

	d.mountPoint = mountPoint
	return mountPoint, nil
}

// Destroy tears down the disk in reverse order: unmount, remove the mount
// dir, detach the loop device, delete the image file. It is idempotent —
// every step is attempted independently (try/log/continue) and Destroy
// never returns an error, matching the "single source of truth" cleanup
// contract every caller relies on.
func (d *VirtualDisk) Destroy(ctx context.Context) {
	if d.mountPoint != "" {
		if _, _, err := subprocess.Run(ctx, false, "umount", d.mountPoint); err != nil {
			log.Printf("vdisk: umount %s: %v", d.mountPoint, err)
		}
		if err := os.Remove(d.mountPoint); err != nil && !os.IsNotExist(err) {
			log.Printf("vdisk: rmdir %s: %v", d.mountPoint, err)
		}
		d.mountPoint = ""
	}

	if d.loopDevice != "" {
		if _, _, err := subprocess.Run(ctx, false, "losetup", "-d", d.loopDevice); err != nil {
			log.Printf("vdisk: detach %s: %v", d.loopDevice, err)
		}
		d.loopDevice = ""
	}

	if err := os.Remove(d.ImagePath()); err != nil && !os.IsNotExist(err) {
		log.Printf("vdisk: remove %s: %v", d.ImagePath(), err)
	}
}

// CleanupStale recovers disk resources orphaned by an unclean shutdown: it
// unmounts everything under mountDir, detaches every loop device whose
// backing file lives under baseDir, then deletes every *.img under baseDir.
// This is the only code that enumerates loop devices.
func CleanupStale(ctx context.Context, baseDir, mountDir string) error {
	entries, err := os.ReadDir(mountDir)
	if err != nil && !os.IsNotExist(err) {
		return gatewayerr.New(gatewayerr.KindInvariant, "vdisk.cleanup_stale", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p := filepath.Join(mountDir, entry.Name())
		if _, _, err := subprocess.Run(ctx, false, "umount", p); err != nil {
			log.Printf("vdisk: cleanup_stale umount %s: %v", p, err)
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("vdisk: cleanup_stale rmdir %s: %v", p, err)
		}
	}

	if err := detachOrphanedLoops(ctx, baseDir); err != nil {
		log.Printf("vdisk: cleanup_stale loop sweep: %v", err)
	}

	imgs, err := filepath.Glob(filepath.Join(baseDir, "*.img"))
	if err != nil {
		return gatewayerr.New(gatewayerr.KindInvariant, "vdisk.cleanup_stale", err)
	}
	for _, img := range imgs {
		if err := os.Remove(img); err != nil && !os.IsNotExist(err) {
			log.Printf("vdisk: cleanup_stale remove %s: %v", img, err)
		}
	}
	return nil
}

var losetupLineRe = regexp.MustCompile(`^(/dev/loop\d+):`)

// detachOrphanedLoops parses `losetup -a` output (one line per attached
// device, formatted "/dev/loopN: [flags]: (backing-file)") and detaches
// every device whose backing file path is under baseDir.
func detachOrphanedLoops(ctx context.Context, baseDir string) error {
	stdout, _, err := subprocess.Run(ctx, true, "losetup", "-a")
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := losetupLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if !strings.Contains(line, baseDir) {
			continue
		}
		dev := m[1]
		if _, _, err := subprocess.Run(ctx, false, "losetup", "-d", dev); err != nil {
			log.Printf("vdisk: cleanup_stale detach %s: %v", dev, err)
		}
	}
	return nil
}
