package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the firetask host daemon.
type Config struct {
	// HostID is a persistent identifier for this host. Generated on first run.
	HostID string `yaml:"host_id"`

	// Paths configures directory layout for images, shared spool, and results.
	Paths PathsConfig `yaml:"paths"`

	// VM configures microVM defaults.
	VM VMConfig `yaml:"vm"`

	// Firecracker configures the microVM runtime binary and socket placement.
	Firecracker FirecrackerConfig `yaml:"firecracker"`

	// Providers maps provider names to endpoint overrides.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// State configures local state storage.
	State StateConfig `yaml:"state"`

	// Janitor configures TTL enforcement.
	Janitor JanitorConfig `yaml:"janitor"`
}

// PathsConfig configures the directory layout used by the daemon.
type PathsConfig struct {
	// Shared is the host-side spool directory holding tasks/ and results/
	// subdirectories mirrored into each VM's shared disk.
	Shared string `yaml:"shared"`

	// Results is the root directory for per-VM output (manifest, launcher
	// logs, retrieved result files).
	Results string `yaml:"results"`

	// UbuntuImages is the directory containing the guest kernel
	// (vmlinux.bin) and root filesystem (ubuntu-rootfs.ext4).
	UbuntuImages string `yaml:"ubuntu_images"`

	// GuestScripts is an optional directory of scripts packed into the
	// guest tarball on VM creation.
	GuestScripts string `yaml:"guest_scripts"`
}

// VMConfig configures microVM defaults.
type VMConfig struct {
	// MemoryMB is the guest memory size in MiB.
	MemoryMB int `yaml:"memory_mb"`

	// VCPUs is the guest vCPU count.
	VCPUs int `yaml:"vcpus"`

	// NetworkCIDR is the per-VM network in CIDR notation. Must be a
	// private (RFC 1918) range.
	NetworkCIDR string `yaml:"network_cidr"`

	// BootTimeout is how long to wait for the guest to come up before
	// polling for results.
	BootTimeout time.Duration `yaml:"boot_timeout"`

	// ShutdownTimeout bounds the graceful-terminate wait before the
	// process is killed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TaskTimeout bounds the wait for a result file.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// UseJailer prefers the privileged jailer binary when discoverable.
	UseJailer bool `yaml:"use_jailer"`

	// UseRealInit builds a real init overlay image instead of a
	// placeholder. Requires the overlay script on the host.
	UseRealInit bool `yaml:"use_real_init"`
}

// FirecrackerConfig configures the microVM runtime.
type FirecrackerConfig struct {
	// BinaryPath is the firecracker binary name or absolute path.
	BinaryPath string `yaml:"binary_path"`

	// SocketDir is where per-VM API sockets are created.
	SocketDir string `yaml:"socket_dir"`

	// DevLauncher is the unprivileged fallback launch script used when
	// the jailer is unavailable or disabled.
	DevLauncher string `yaml:"dev_launcher"`

	// InitOverlayScript builds the real init overlay image when
	// vm.use_real_init is set.
	InitOverlayScript string `yaml:"init_overlay_script"`
}

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	// URL is the provider endpoint. Environment variables of the form
	// <PROVIDER>_URL take precedence over this value.
	URL string `yaml:"url"`

	// Model is the default model passed when the task names none.
	Model string `yaml:"model"`
}

// StateConfig configures local state storage.
type StateConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string `yaml:"db_path"`
}

// JanitorConfig configures TTL enforcement.
type JanitorConfig struct {
	// Interval is how often the janitor runs.
	Interval time.Duration `yaml:"interval"`

	// DefaultTTL is the default VM TTL if none is specified.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	ftDir := filepath.Join(home, ".firetask")

	return Config{
		Paths: PathsConfig{
			Shared:       filepath.Join(ftDir, "shared"),
			Results:      filepath.Join(ftDir, "results"),
			UbuntuImages: "/var/lib/firetask/vm-images-ubuntu",
		},
		VM: VMConfig{
			MemoryMB:        512,
			VCPUs:           1,
			NetworkCIDR:     "172.30.0.0/24",
			BootTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			TaskTimeout:     60 * time.Second,
		},
		Firecracker: FirecrackerConfig{
			BinaryPath: "firecracker",
			SocketDir:  "/tmp",
		},
		Providers: map[string]ProviderConfig{},
		State: StateConfig{
			DBPath: filepath.Join(ftDir, "firetask.db"),
		},
		Janitor: JanitorConfig{
			Interval:   1 * time.Minute,
			DefaultTTL: 24 * time.Hour,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate rejects configurations that can never produce a working VM.
func (c *Config) Validate() error {
	if c.VM.MemoryMB < 128 {
		return fmt.Errorf("vm.memory_mb must be at least 128, got %d", c.VM.MemoryMB)
	}
	if c.VM.MemoryMB > 16384 {
		return fmt.Errorf("vm.memory_mb must not exceed 16384, got %d", c.VM.MemoryMB)
	}
	if c.VM.VCPUs < 1 || c.VM.VCPUs > 32 {
		return fmt.Errorf("vm.vcpus must be between 1 and 32, got %d", c.VM.VCPUs)
	}
	if c.VM.ShutdownTimeout <= 0 {
		return fmt.Errorf("vm.shutdown_timeout must be positive")
	}
	return nil
}

// KernelPath returns the guest kernel image path under the images directory.
func (c *Config) KernelPath() string {
	return filepath.Join(c.Paths.UbuntuImages, "vmlinux.bin")
}

// RootFSPath returns the guest root filesystem path under the images directory.
func (c *Config) RootFSPath() string {
	return filepath.Join(c.Paths.UbuntuImages, "ubuntu-rootfs.ext4")
}
