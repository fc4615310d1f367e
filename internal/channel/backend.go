package channel

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Backend abstracts the block-image and mount operations the channel
// needs, so the protocol is testable without root or a real kernel. The
// default backend shells out to the standard filesystem utilities.
type Backend interface {
	// Allocate creates a zero-filled image of sizeMB mebibytes at path.
	Allocate(ctx context.Context, path string, sizeMB int) error

	// Format writes an ext4 filesystem onto the image.
	Format(ctx context.Context, path string) error

	Mount(ctx context.Context, imagePath, mountPoint string) error
	Unmount(ctx context.Context, mountPoint string) error

	// SetPermissive opens up the tree so the guest can read and write it.
	SetPermissive(ctx context.Context, path string) error
}

// ExecBackend is the default Backend. It requires privileges sufficient
// to mount loop devices.
type ExecBackend struct{}

func (ExecBackend) run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b ExecBackend) Allocate(ctx context.Context, path string, sizeMB int) error {
	return b.run(ctx, "dd", "if=/dev/zero", "of="+path, "bs=1M", "count="+strconv.Itoa(sizeMB))
}

func (b ExecBackend) Format(ctx context.Context, path string) error {
	return b.run(ctx, "mkfs.ext4", "-F", path)
}

func (b ExecBackend) Mount(ctx context.Context, imagePath, mountPoint string) error {
	return b.run(ctx, "mount", imagePath, mountPoint)
}

func (b ExecBackend) Unmount(ctx context.Context, mountPoint string) error {
	return b.run(ctx, "umount", mountPoint)
}

func (b ExecBackend) SetPermissive(ctx context.Context, path string) error {
	return b.run(ctx, "chmod", "-R", "777", path)
}
