// Package vm orchestrates the full microVM lifecycle: it composes the
// network provisioner, shared channel, process launcher, and
// control-plane client, owns the manifest state machine, and guarantees
// reverse-order cleanup under partial failure.
package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/firetask/firetask/internal/channel"
	"github.com/firetask/firetask/internal/config"
	"github.com/firetask/firetask/internal/launcher"
	"github.com/firetask/firetask/internal/network"
	"github.com/firetask/firetask/internal/provider"
	"github.com/firetask/firetask/internal/state"
	"github.com/firetask/firetask/internal/task"
)

// Dispatcher performs the optional provider call during VM creation.
type Dispatcher interface {
	Dispatch(ctx context.Context, provider, url, model, prompt string) (*provider.Response, error)
}

// ControlClient pushes configuration documents to a VM's API socket.
type ControlClient interface {
	Put(ctx context.Context, socketPath, resource string, payload any) error
}

// ProcessLauncher starts and stops VM processes.
type ProcessLauncher interface {
	Launch(vmID, configPath string, preferJailer bool, extraArgs []string) (*launcher.Handle, error)
	Terminate(h *launcher.Handle, timeout time.Duration)
}

// Instance is one VM under management. It is owned exclusively by the
// manager's registry; the manifest is its durable projection. opMu
// serializes lifecycle operations per VM: without it a Stop racing an
// in-flight Start could finish first and leave the freshly launched
// process and its attachment orphaned.
type Instance struct {
	opMu sync.Mutex

	ID          string
	Task        *task.Descriptor
	State       State
	CreatedAt   time.Time
	TTL         time.Duration
	SocketPath  string
	ConfigPath  string
	SharedImage string
	BootArgs    string

	Handle     *launcher.Handle
	Attachment *network.Attachment
}

// Deps carries the collaborators the manager composes.
type Deps struct {
	Provider Dispatcher
	Channel  *channel.Channel
	Network  *network.Provisioner
	Launcher ProcessLauncher
	Control  ControlClient
	Store    *state.Store // optional; nil disables persistence
}

// Manager is the top-level lifecycle orchestrator. The registry map is
// the only shared mutable state; every map access holds the mutex, while
// slow external work (mounts, process spawn, socket writes) runs outside
// it so one VM's setup cannot stall another's.
type Manager struct {
	mu        sync.Mutex
	instances map[string]*Instance

	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(cfg *config.Config, deps Deps, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		instances: make(map[string]*Instance),
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "vm"),
	}
}

// socketPath returns the per-VM control socket location.
func (m *Manager) socketPath(vmID string) string {
	return filepath.Join(m.cfg.Firecracker.SocketDir, fmt.Sprintf("firecracker-%s.socket", vmID))
}

// configPath returns the per-VM boot configuration file location.
func (m *Manager) configPath(vmID string) string {
	return filepath.Join(m.cfg.Firecracker.SocketDir, fmt.Sprintf("vm-config-%s.json", vmID))
}

// Create validates the task, optionally dispatches the provider call,
// builds the shared channel, assembles boot configuration, and writes the
// pending manifest. A provider failure is recorded in the descriptor
// rather than aborting creation; a resource failure (shared disk, boot
// config) aborts. No process is started.
func (m *Manager) Create(ctx context.Context, vmID string, desc *task.Descriptor, ttl time.Duration) (*Instance, error) {
	if vmID == "" {
		vmID = uuid.NewString()[:8]
	}

	m.mu.Lock()
	if _, exists := m.instances[vmID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("vm %s already exists", vmID)
	}
	m.mu.Unlock()

	if desc != nil {
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		if desc.Timestamp == 0 {
			desc.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
		}
		if desc.Provider != "" {
			m.dispatchProvider(ctx, vmID, desc)
		}
	}

	vmDir := filepath.Join(m.cfg.Paths.Results, vmID)
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		return nil, fmt.Errorf("create vm results dir: %w", err)
	}

	if _, err := packGuestScripts(m.cfg.Paths.GuestScripts, vmDir); err != nil {
		m.logger.Warn("failed to pack guest scripts", "vm_id", vmID, "error", err)
	}
	if _, err := buildInitOverlay(vmID, vmDir, m.cfg.Firecracker.InitOverlayScript, m.cfg.VM.UseRealInit); err != nil {
		return nil, err
	}

	sharedImage, err := m.deps.Channel.Build(ctx, vmID, desc)
	if err != nil {
		return nil, fmt.Errorf("build shared channel: %w", err)
	}

	inst := &Instance{
		ID:          vmID,
		Task:        desc,
		State:       StatePending,
		CreatedAt:   time.Now().UTC(),
		TTL:         ttl,
		SocketPath:  m.socketPath(vmID),
		ConfigPath:  m.configPath(vmID),
		SharedImage: sharedImage,
		BootArgs:    m.bootArgs(vmID, desc),
	}

	if err := m.writeBootConfig(inst); err != nil {
		m.deps.Channel.Remove(vmID)
		return nil, err
	}

	if err := m.writeManifest(inst); err != nil {
		m.deps.Channel.Remove(vmID)
		return nil, err
	}

	m.persistCreate(ctx, inst)

	m.mu.Lock()
	m.instances[vmID] = inst
	m.mu.Unlock()

	m.logger.Info("VM created",
		"vm_id", vmID,
		"shared_image", sharedImage,
		"has_task", desc != nil,
	)
	return inst, nil
}

// dispatchProvider resolves and calls the task's provider, storing the
// outcome (success envelope or error) in the descriptor. Never fails the
// create.
func (m *Manager) dispatchProvider(ctx context.Context, vmID string, desc *task.Descriptor) {
	url := provider.Resolve(desc.Provider, m.cfg)
	model := desc.Model
	if model == "" {
		if pc, ok := m.cfg.Providers[desc.Provider]; ok {
			model = pc.Model
		}
	}

	resp, err := m.deps.Provider.Dispatch(ctx, desc.Provider, url, model, desc.Prompt)
	if err != nil {
		m.logger.Warn("provider dispatch failed, recording error",
			"vm_id", vmID, "provider", desc.Provider, "error", err)
		desc.ProviderResponse, _ = json.Marshal(map[string]string{"error": err.Error()})
		return
	}
	desc.ProviderResponse, _ = json.Marshal(resp)
}

// bootArgs assembles the guest kernel command line. It carries the guest
// and gateway addresses derived from the configured CIDR and, for openai
// tasks, the API credential. Sensitive; logged only at Debug.
func (m *Manager) bootArgs(vmID string, desc *task.Descriptor) string {
	gateway, vmIP := network.DeriveAddresses(m.cfg.VM.NetworkCIDR)
	args := fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off init=/sbin/init VM_IP=%s GATEWAY_IP=%s",
		vmIP, gateway,
	)
	if desc != nil && desc.Provider == "openai" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			args += " OPENAI_API_KEY=" + key
		}
	}
	m.logger.Debug("assembled boot args", "vm_id", vmID, "boot_args", args)
	return args
}

// writeBootConfig persists the full runtime configuration document the
// dev launcher and jailer consume.
func (m *Manager) writeBootConfig(inst *Instance) error {
	doc := map[string]any{
		"boot-source": map[string]any{
			"kernel_image_path": m.cfg.KernelPath(),
			"boot_args":         inst.BootArgs,
		},
		"drives": []map[string]any{
			{
				"drive_id":       "rootfs",
				"path_on_host":   m.cfg.RootFSPath(),
				"is_root_device": true,
				"is_read_only":   false,
			},
			{
				"drive_id":       "shared",
				"path_on_host":   inst.SharedImage,
				"is_root_device": false,
				"is_read_only":   false,
			},
		},
		"machine-config": map[string]any{
			"vcpu_count":   m.cfg.VM.VCPUs,
			"mem_size_mib": m.cfg.VM.MemoryMB,
		},
		"network-interfaces": []map[string]any{
			{
				"iface_id":      "eth0",
				"host_dev_name": network.TAPName(inst.ID),
			},
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal boot config: %w", err)
	}
	if err := os.WriteFile(inst.ConfigPath, data, 0o644); err != nil {
		return fmt.Errorf("write boot config: %w", err)
	}
	return nil
}

func (m *Manager) writeManifest(inst *Instance) error {
	man := &Manifest{
		VMID:        inst.ID,
		Image:       m.cfg.RootFSPath(),
		MemoryMB:    m.cfg.VM.MemoryMB,
		VCPUs:       m.cfg.VM.VCPUs,
		NetworkMode: "tap-nat",
		CreatedAt:   manifestTimestamp(inst.CreatedAt),
		State:       inst.State,
	}
	if inst.Task != nil {
		man.ProviderResponse = inst.Task.ProviderResponse
	}
	return WriteManifest(m.cfg.Paths.Results, man)
}

// Start boots a created VM: network attachment, process launch, then
// boot-source and machine-config pushed over the control socket. Each
// step is unwound in reverse on failure, and the manifest reaches failed
// before the error propagates so observers never see a stale pending
// manifest for a VM that will never run.
func (m *Manager) Start(ctx context.Context, vmID string) error {
	inst, ok := m.get(vmID)
	if !ok {
		return fmt.Errorf("vm %s not found", vmID)
	}

	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	if !inst.State.CanTransition(StateRunning) {
		return &TransitionError{VMID: vmID, From: inst.State, To: StateRunning}
	}

	att, err := m.deps.Network.Attach(ctx, vmID, m.cfg.VM.NetworkCIDR)
	if err != nil {
		m.fail(inst)
		return fmt.Errorf("attach network for %s: %w", vmID, err)
	}
	inst.Attachment = att

	handle, err := m.deps.Launcher.Launch(vmID, inst.ConfigPath, m.cfg.VM.UseJailer,
		[]string{m.cfg.KernelPath(), m.cfg.RootFSPath()})
	if err != nil {
		m.deps.Network.Detach(ctx, vmID)
		inst.Attachment = nil
		m.fail(inst)
		return fmt.Errorf("launch vm %s: %w", vmID, err)
	}
	inst.Handle = handle

	if err := m.pushBootConfig(ctx, inst); err != nil {
		m.deps.Launcher.Terminate(handle, m.cfg.VM.ShutdownTimeout)
		inst.Handle = nil
		m.deps.Network.Detach(ctx, vmID)
		inst.Attachment = nil
		m.fail(inst)
		return fmt.Errorf("configure vm %s: %w", vmID, err)
	}

	if err := inst.transition(StateRunning); err != nil {
		// The VM was moved to a terminal state underneath us; release
		// everything this start acquired so nothing leaks.
		m.deps.Launcher.Terminate(handle, m.cfg.VM.ShutdownTimeout)
		inst.Handle = nil
		m.deps.Network.Detach(ctx, vmID)
		inst.Attachment = nil
		return err
	}
	if err := m.writeManifest(inst); err != nil {
		m.logger.Warn("failed to write running manifest", "vm_id", vmID, "error", err)
	}
	m.persistUpdate(ctx, inst)

	m.logger.Info("VM running",
		"vm_id", vmID,
		"pid", handle.PID,
		"tap", att.TAPName,
		"vm_ip", att.VMIP,
	)
	return nil
}

// pushBootConfig waits briefly for the API socket, then issues the two
// configuration writes. Ordering matters: boot-source before
// machine-config.
func (m *Manager) pushBootConfig(ctx context.Context, inst *Instance) error {
	m.waitForSocket(ctx, inst)

	bootSource := map[string]any{
		"kernel_image_path": m.cfg.KernelPath(),
		"boot_args":         inst.BootArgs,
	}
	if err := m.deps.Control.Put(ctx, inst.SocketPath, "/boot-source", bootSource); err != nil {
		return err
	}

	machineConfig := map[string]any{
		"vcpu_count":   m.cfg.VM.VCPUs,
		"mem_size_mib": m.cfg.VM.MemoryMB,
	}
	return m.deps.Control.Put(ctx, inst.SocketPath, "/machine-config", machineConfig)
}

// waitForSocket polls for the API socket while the process is alive,
// bounded by the boot timeout. A socket that never appears is not fatal
// here; the subsequent Put decides.
func (m *Manager) waitForSocket(ctx context.Context, inst *Instance) {
	deadline := time.Now().Add(m.cfg.VM.BootTimeout)
	for time.Now().Before(deadline) && inst.Handle.Alive() {
		if _, err := os.Stat(inst.SocketPath); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// fail moves the instance to failed and rewrites its manifest.
func (m *Manager) fail(inst *Instance) {
	if err := inst.transition(StateFailed); err != nil {
		m.logger.Warn("cannot mark VM failed", "vm_id", inst.ID, "error", err)
		return
	}
	if err := m.writeManifest(inst); err != nil {
		m.logger.Warn("failed to write failed manifest", "vm_id", inst.ID, "error", err)
	}
	m.persistUpdate(context.Background(), inst)
}

// Stop tears a VM down in reverse start order: terminate the process,
// release the network attachment, delete transient files. Every step is
// best-effort and independently logged; stop never fails because a
// resource was already gone. Stopping an unknown or never-started VM is
// valid. The instance leaves the registry last.
func (m *Manager) Stop(ctx context.Context, vmID string) error {
	inst, ok := m.get(vmID)
	if !ok {
		m.logger.Debug("stop for unknown VM is a no-op", "vm_id", vmID)
		return nil
	}

	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	if inst.State == StateStopped {
		return nil
	}

	m.logger.Info("stopping VM", "vm_id", vmID, "state", inst.State)

	m.halt(ctx, inst)

	for _, path := range []string{inst.SocketPath, inst.ConfigPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove transient file", "path", path, "error", err)
		}
	}
	m.deps.Channel.Remove(vmID)
	if inst.Task != nil {
		m.deps.Channel.PurgeTask(inst.Task.TaskID)
	}

	if err := inst.transition(StateStopped); err != nil {
		m.logger.Warn("stop transition rejected", "vm_id", vmID, "error", err)
	} else if err := m.writeManifest(inst); err != nil {
		m.logger.Warn("failed to write stopped manifest", "vm_id", vmID, "error", err)
	}
	m.persistDelete(ctx, vmID)

	m.mu.Lock()
	delete(m.instances, vmID)
	m.mu.Unlock()

	m.logger.Info("VM stopped", "vm_id", vmID)
	return nil
}

// Destroy stops a registered VM. For a VM known only from a persisted
// record (previous daemon run) it reclaims whatever that run left on the
// host: the recorded process, the TAP interface and NAT rules, the
// shared disk, and the transient socket and boot-config files, then
// removes the record. This is the janitor's destroy function.
func (m *Manager) Destroy(ctx context.Context, vmID string) error {
	if _, ok := m.get(vmID); ok {
		return m.Stop(ctx, vmID)
	}

	m.logger.Info("reclaiming leftovers of unregistered VM", "vm_id", vmID)

	var tapDevice string
	if m.deps.Store != nil {
		if rec, err := m.deps.Store.GetVM(ctx, vmID); err == nil {
			tapDevice = rec.TAPDevice
			if rec.PID > 0 {
				m.killStale(vmID, rec.PID)
			}
		}
	}
	m.deps.Network.Reclaim(ctx, vmID, tapDevice)

	for _, path := range []string{m.socketPath(vmID), m.configPath(vmID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove transient file", "path", path, "error", err)
		}
	}
	m.deps.Channel.Remove(vmID)

	m.persistDelete(ctx, vmID)
	return nil
}

// killStale signals a process pid recorded by a previous run.
// Best-effort: the process may already be reaped, and the pid may have
// been recycled, so failure to signal is only logged.
func (m *Manager) killStale(vmID string, pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		m.logger.Debug("stale VM process already gone", "vm_id", vmID, "pid", pid)
		return
	}
	m.logger.Info("killed stale VM process", "vm_id", vmID, "pid", pid)
}

// halt terminates the VM process and releases its network attachment
// without touching on-disk artifacts. Idempotent: already-released
// resources are skipped.
func (m *Manager) halt(ctx context.Context, inst *Instance) {
	if inst.Handle != nil {
		m.deps.Launcher.Terminate(inst.Handle, m.cfg.VM.ShutdownTimeout)
		inst.Handle = nil
	}
	// Unconditional: the provisioner treats a missing attachment as a
	// no-op, and this covers attachments the instance lost track of.
	m.deps.Network.Detach(ctx, inst.ID)
	inst.Attachment = nil
}

// Status reports a VM's observable state. It never errors: an unknown VM
// yields ok == false, and a dead process is simply not running.
func (m *Manager) Status(vmID string) (Snapshot, bool) {
	inst, ok := m.get(vmID)
	if !ok {
		return Snapshot{VMID: vmID}, false
	}

	snap := Snapshot{
		VMID:  vmID,
		State: inst.State,
	}
	if inst.Attachment != nil {
		snap.TAPDevice = inst.Attachment.TAPName
		snap.VMIP = inst.Attachment.VMIP
	}
	if inst.Handle != nil && inst.Handle.Alive() {
		snap.Running = true
		snap.PID = inst.Handle.PID
		snap.RSSBytes, snap.CPUSeconds = procUsage(inst.Handle.PID)
	}
	return snap, true
}

// CollectResult waits for the task result, stopping the VM if the shared
// disk has to be mounted for retrieval. Timeout is an expected outcome
// expressed as a result variant, never an error: the stale task file is
// purged and cleanup runs normally.
func (m *Manager) CollectResult(ctx context.Context, vmID string) task.Result {
	inst, ok := m.get(vmID)
	if !ok || inst.Task == nil {
		return task.Result{VMID: vmID, Status: task.StatusError, Error: "no task for vm"}
	}
	taskID := inst.Task.TaskID
	timeout := inst.Task.Timeout(m.cfg.VM.TaskTimeout)

	// The guest may surface the result through the host spool while
	// running (dev launch path); poll there first.
	interval := timeout / 10
	if interval > time.Second {
		interval = time.Second
	}
	data, found, err := channel.WaitForFile(ctx, m.deps.Channel.SpoolResultPath(taskID),
		interval, timeout, m.logger)
	if err != nil {
		return task.Result{TaskID: taskID, VMID: vmID, Status: task.StatusError, Error: err.Error()}
	}
	if found {
		m.deps.Channel.PurgeTask(taskID)
		return task.Result{TaskID: taskID, VMID: vmID, Status: task.StatusCompleted, Payload: data}
	}

	// Nothing in the spool: halt the guest first so it cannot still be
	// writing, read the shared disk, then finish cleanup. Stop would
	// delete the image, so retrieval must happen between halt and stop,
	// with the operation lock held so no other lifecycle call interleaves.
	inst.opMu.Lock()
	m.halt(ctx, inst)
	payload, err := m.deps.Channel.RetrieveResult(ctx, vmID, taskID)
	inst.opMu.Unlock()

	if serr := m.Stop(ctx, vmID); serr != nil {
		m.logger.Warn("stop during result collection failed", "vm_id", vmID, "error", serr)
	}

	if err != nil {
		res := task.TimeoutResult(taskID)
		res.VMID = vmID
		return res
	}
	return task.Result{TaskID: taskID, VMID: vmID, Status: task.StatusCompleted, Payload: payload}
}

// CleanupAll stops every registered VM, tolerating individual failures.
// Used for host-wide shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	ids := m.List()
	m.logger.Info("cleaning up all VMs", "count", len(ids))
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Error("failed to stop VM during cleanup", "vm_id", id, "error", err)
		}
	}
}

// List returns the IDs of all registered instances.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the registered instance for vmID, if any.
func (m *Manager) Get(vmID string) (*Instance, bool) {
	return m.get(vmID)
}

func (m *Manager) get(vmID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[vmID]
	return inst, ok
}

// persistCreate, persistUpdate, persistDelete mirror the instance into
// the state store when one is configured. Persistence failures are
// logged, never fatal: the manifest remains the durable source of truth.
func (m *Manager) persistCreate(ctx context.Context, inst *Instance) {
	if m.deps.Store == nil {
		return
	}
	rec := m.record(inst)
	if err := m.deps.Store.CreateVM(ctx, rec); err != nil {
		m.logger.Warn("failed to persist VM record", "vm_id", inst.ID, "error", err)
	}
}

func (m *Manager) persistUpdate(ctx context.Context, inst *Instance) {
	if m.deps.Store == nil {
		return
	}
	rec, err := m.deps.Store.GetVM(ctx, inst.ID)
	if err != nil {
		m.logger.Debug("no persisted record to update", "vm_id", inst.ID)
		return
	}
	rec.State = string(inst.State)
	if inst.Handle != nil {
		rec.PID = inst.Handle.PID
	}
	if inst.Attachment != nil {
		rec.TAPDevice = inst.Attachment.TAPName
		rec.VMIP = inst.Attachment.VMIP
	}
	if err := m.deps.Store.UpdateVM(ctx, rec); err != nil {
		m.logger.Warn("failed to update VM record", "vm_id", inst.ID, "error", err)
	}
}

func (m *Manager) persistDelete(ctx context.Context, vmID string) {
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.DeleteVM(ctx, vmID); err != nil {
		m.logger.Warn("failed to delete VM record", "vm_id", vmID, "error", err)
	}
}

func (m *Manager) record(inst *Instance) *state.VMRecord {
	rec := &state.VMRecord{
		ID:        inst.ID,
		Image:     m.cfg.RootFSPath(),
		State:     string(inst.State),
		MemoryMB:  m.cfg.VM.MemoryMB,
		VCPUs:     m.cfg.VM.VCPUs,
		CreatedAt: inst.CreatedAt,
	}
	if inst.TTL > 0 {
		rec.TTLSeconds = int(inst.TTL.Seconds())
	}
	if inst.Task != nil {
		rec.TaskID = inst.Task.TaskID
	}
	return rec
}
