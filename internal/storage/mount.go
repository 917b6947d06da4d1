package storage

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Mounter mounts and unmounts devices around job runs and entity purges.
type Mounter interface {
	Mount(ctx context.Context, name, device string) error
	Unmount(ctx context.Context, name string) error
}

// ExecMounter shells out to the platform mount/umount commands.
type ExecMounter struct{}

// Mount mounts device (or name alone when no device is given).
func (ExecMounter) Mount(ctx context.Context, name, device string) error {
	args := []string{name}
	if device != "" {
		args = []string{device, name}
	}
	out, err := exec.CommandContext(ctx, "mount", args...).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "already mounted") {
			return nil
		}
		return fmt.Errorf("storage: mount %s: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Unmount unmounts the mount point.
func (ExecMounter) Unmount(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "umount", name).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "not mounted") {
			return nil
		}
		return fmt.Errorf("storage: umount %s: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NopMounter ignores all mount requests; the runner and persistence tests
// run with it.
type NopMounter struct{}

func (NopMounter) Mount(ctx context.Context, name, device string) error { return nil }
func (NopMounter) Unmount(ctx context.Context, name string) error       { return nil }
