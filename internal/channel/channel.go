// Package channel implements the disk-backed mailbox between host and
// guest: a small ext4 image holding tasks/ and results/ directories. The
// host writes the task descriptor before boot and reads the result after
// the VM has stopped.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/firetask/firetask/internal/task"
)

const imageSizeMB = 50

// Channel builds and reads per-VM shared disks. The spool directory is
// the host-side staging area whose queued task files are carried forward
// into every new image.
type Channel struct {
	backend  Backend
	spoolDir string
	tmpDir   string
	logger   *slog.Logger
}

// New creates a channel manager. spoolDir is the host staging directory
// (its tasks/ subdirectory is created if missing); tmpDir is where images
// and transient mount points live, conventionally /tmp.
func New(backend Backend, spoolDir, tmpDir string, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backend == nil {
		backend = ExecBackend{}
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	for _, dir := range []string{spoolDir, filepath.Join(spoolDir, "tasks"), filepath.Join(spoolDir, "results")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}

	return &Channel{
		backend:  backend,
		spoolDir: spoolDir,
		tmpDir:   tmpDir,
		logger:   logger.With("component", "channel"),
	}, nil
}

// ImagePath returns the conventional per-VM image location.
func (c *Channel) ImagePath(vmID string) string {
	return filepath.Join(c.tmpDir, fmt.Sprintf("shared-%s.ext4", vmID))
}

func (c *Channel) mountPoint(vmID string) string {
	return filepath.Join(c.tmpDir, fmt.Sprintf("shared-mount-%s", vmID))
}

// SpoolResultPath returns where a retrieved result for taskID is copied
// on the host.
func (c *Channel) SpoolResultPath(taskID string) string {
	return filepath.Join(c.spoolDir, "results", taskID+".json")
}

// Build creates, formats, and populates the shared disk for one VM:
// tasks/ and results/ directories, any queued spool tasks, and the given
// task descriptor (when non-nil) as tasks/<task_id>.json. The image is
// unmounted on every exit path.
func (c *Channel) Build(ctx context.Context, vmID string, desc *task.Descriptor) (string, error) {
	imagePath := c.ImagePath(vmID)

	c.logger.Info("creating shared disk", "path", imagePath, "vm_id", vmID)

	if err := c.backend.Allocate(ctx, imagePath, imageSizeMB); err != nil {
		return "", fmt.Errorf("allocate shared disk: %w", err)
	}

	// Once allocated, a failure on any later step must not orphan the
	// image file.
	built := false
	defer func() {
		if built {
			return
		}
		if err := os.Remove(imagePath); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove shared disk after build failure",
				"path", imagePath, "error", err)
		}
	}()

	if err := c.backend.Format(ctx, imagePath); err != nil {
		return "", fmt.Errorf("format shared disk: %w", err)
	}

	mp := c.mountPoint(vmID)
	if err := os.MkdirAll(mp, 0o755); err != nil {
		return "", fmt.Errorf("create mount point: %w", err)
	}
	if err := c.backend.Mount(ctx, imagePath, mp); err != nil {
		return "", fmt.Errorf("mount shared disk: %w", err)
	}
	defer func() {
		if err := c.backend.Unmount(ctx, mp); err != nil {
			c.logger.Warn("failed to unmount shared disk", "mount_point", mp, "error", err)
			return
		}
		if err := os.Remove(mp); err != nil {
			c.logger.Warn("failed to remove mount point", "mount_point", mp, "error", err)
		}
	}()

	if err := c.populate(mp, vmID, desc); err != nil {
		return "", err
	}

	if err := c.backend.SetPermissive(ctx, mp); err != nil {
		return "", fmt.Errorf("set shared disk permissions: %w", err)
	}

	built = true
	c.logger.Info("shared disk ready", "path", imagePath, "vm_id", vmID)
	return imagePath, nil
}

func (c *Channel) populate(mp, vmID string, desc *task.Descriptor) error {
	tasksDir := filepath.Join(mp, "tasks")
	resultsDir := filepath.Join(mp, "results")
	for _, dir := range []string{tasksDir, resultsDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return fmt.Errorf("create channel dirs: %w", err)
		}
	}

	// Carry queued spool tasks forward into the fresh image.
	spoolTasks, err := filepath.Glob(filepath.Join(c.spoolDir, "tasks", "*.json"))
	if err == nil {
		for _, src := range spoolTasks {
			data, err := os.ReadFile(src)
			if err != nil {
				c.logger.Warn("skipping unreadable spool task", "path", src, "error", err)
				continue
			}
			dst := filepath.Join(tasksDir, filepath.Base(src))
			if err := os.WriteFile(dst, data, 0o666); err != nil {
				return fmt.Errorf("copy spool task %s: %w", filepath.Base(src), err)
			}
		}
	}

	if desc != nil {
		data, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal task descriptor: %w", err)
		}
		path := filepath.Join(tasksDir, desc.TaskID+".json")
		if err := os.WriteFile(path, data, 0o666); err != nil {
			return fmt.Errorf("write task descriptor: %w", err)
		}
		c.logger.Debug("pre-loaded task into shared disk",
			"task_id", desc.TaskID, "vm_id", vmID)
	}

	return nil
}

// RetrieveResult mounts the VM's shared disk and reads
// results/<task_id>.json. It must only be called after the VM has
// stopped; the guest may otherwise still be writing. The raw document is
// also copied into the spool results directory. Returns os.ErrNotExist
// (wrapped) when the guest produced no result.
func (c *Channel) RetrieveResult(ctx context.Context, vmID, taskID string) (json.RawMessage, error) {
	imagePath := c.ImagePath(vmID)
	if _, err := os.Stat(imagePath); err != nil {
		return nil, fmt.Errorf("shared disk missing: %w", err)
	}

	mp := c.mountPoint(vmID)
	if err := os.MkdirAll(mp, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}
	if err := c.backend.Mount(ctx, imagePath, mp); err != nil {
		return nil, fmt.Errorf("mount shared disk: %w", err)
	}
	defer func() {
		if err := c.backend.Unmount(ctx, mp); err != nil {
			c.logger.Warn("failed to unmount shared disk", "mount_point", mp, "error", err)
			return
		}
		if err := os.Remove(mp); err != nil {
			c.logger.Warn("failed to remove mount point", "mount_point", mp, "error", err)
		}
	}()

	resultPath := filepath.Join(mp, "results", taskID+".json")
	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, fmt.Errorf("read result %s: %w", taskID, err)
	}

	if err := os.WriteFile(c.SpoolResultPath(taskID), data, 0o644); err != nil {
		c.logger.Warn("failed to copy result to spool", "task_id", taskID, "error", err)
	}

	c.logger.Info("result retrieved from shared disk", "task_id", taskID, "vm_id", vmID)
	return json.RawMessage(data), nil
}

// QueueTask writes a task descriptor into the host spool, where it will
// be carried into the next image build for the target VM.
func (c *Channel) QueueTask(desc *task.Descriptor) (string, error) {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal task descriptor: %w", err)
	}
	path := filepath.Join(c.spoolDir, "tasks", desc.TaskID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("queue task: %w", err)
	}
	return path, nil
}

// PurgeTask removes a task file from the host spool. Missing files are
// not an error; stale tasks must never survive a channel's reuse.
func (c *Channel) PurgeTask(taskID string) {
	path := filepath.Join(c.spoolDir, "tasks", taskID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to purge task file", "task_id", taskID, "error", err)
	}
}

// Remove deletes the VM's shared disk image. Best-effort; already-absent
// images are fine.
func (c *Channel) Remove(vmID string) {
	path := c.ImagePath(vmID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove shared disk", "path", path, "error", err)
	}
}
