// Package network provisions one isolated TAP attachment per microVM and
// owns the lifecycle of the NAT rules that give the guest internet
// egress.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// ErrAlreadyAttached is returned when Attach is called for a VM that
// already holds an attachment. Callers must Detach first.
var ErrAlreadyAttached = errors.New("vm already has a network attachment")

const tapMTU = 1500

// rfc1918 is the set of private IPv4 ranges an attachment CIDR must fall
// within.
var rfc1918 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// Attachment describes one TAP interface bound to exactly one VM.
type Attachment struct {
	VMID      string
	TAPName   string
	CIDR      string
	GatewayIP string
	VMIP      string

	// Egress is the host interface NAT rules were bound to at attach
	// time, or "" when no default route existed. Detach removes rules
	// against this value, never the live routing state.
	Egress string
}

// Health is a read-only diagnostic snapshot of one attachment.
type Health struct {
	VMID                  string `json:"vm_id"`
	TAPInterfaceExists    bool   `json:"tap_interface_exists"`
	TAPInterfaceUp        bool   `json:"tap_interface_up"`
	GatewayIPAssigned     bool   `json:"gateway_ip_assigned"`
	IPForwardingEnabled   bool   `json:"ip_forwarding_enabled"`
	DefaultRouteAvailable bool   `json:"default_route_available"`
}

// Provisioner creates and tears down per-VM network attachments. The
// active set is the only shared state and is guarded by the mutex.
type Provisioner struct {
	mu          sync.Mutex
	backend     Backend
	defaultCIDR netip.Prefix
	active      map[string]*Attachment
	logger      *slog.Logger
}

// NewProvisioner creates a provisioner with the given default CIDR, which
// must be a private (RFC 1918) network.
func NewProvisioner(backend Backend, defaultCIDR string, logger *slog.Logger) (*Provisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backend == nil {
		backend = ExecBackend{}
	}

	prefix, err := parsePrivateCIDR(defaultCIDR)
	if err != nil {
		return nil, err
	}

	return &Provisioner{
		backend:     backend,
		defaultCIDR: prefix,
		active:      make(map[string]*Attachment),
		logger:      logger.With("component", "network"),
	}, nil
}

// TAPName derives the deterministic interface name for a VM. Linux caps
// interface names at 15 bytes, so long IDs are truncated.
func TAPName(vmID string) string {
	name := "tap" + vmID
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// DeriveAddresses returns the gateway (first usable) and VM (second
// usable) addresses of a CIDR as strings. Invalid or non-private CIDRs
// yield empty strings; callers needing validation use NewProvisioner or
// Attach.
func DeriveAddresses(cidr string) (gateway, vmIP string) {
	prefix, err := parsePrivateCIDR(cidr)
	if err != nil {
		return "", ""
	}
	gw := prefix.Masked().Addr().Next()
	return gw.String(), gw.Next().String()
}

// Attach creates the VM's TAP interface, assigns the gateway address,
// brings the link up, and installs NAT rules scoped to the VM's CIDR.
// A missing default route downgrades to a warning: the attachment is
// still usable, just without internet egress. A VM that already holds an
// attachment is rejected with ErrAlreadyAttached.
func (p *Provisioner) Attach(ctx context.Context, vmID, cidr string) (*Attachment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.active[vmID]; exists {
		return nil, fmt.Errorf("attach %s: %w", vmID, ErrAlreadyAttached)
	}

	prefix := p.defaultCIDR
	if cidr != "" {
		var err error
		prefix, err = parsePrivateCIDR(cidr)
		if err != nil {
			return nil, err
		}
	}

	base := prefix.Masked().Addr()
	gateway := base.Next()
	vmIP := gateway.Next()
	tapName := TAPName(vmID)

	p.logger.Info("setting up TAP interface",
		"tap", tapName,
		"cidr", prefix.String(),
		"gateway", gateway.String(),
		"vm_id", vmID,
	)

	if err := p.backend.CreateTAP(ctx, tapName); err != nil {
		return nil, fmt.Errorf("create tap %s: %w", tapName, err)
	}

	// From here on a failure must not leak the interface.
	addrCIDR := fmt.Sprintf("%s/%d", gateway, prefix.Bits())
	if err := p.setupLink(ctx, tapName, addrCIDR); err != nil {
		if derr := p.backend.DeleteLink(ctx, tapName); derr != nil {
			p.logger.Warn("failed to remove interface after setup error",
				"tap", tapName, "error", derr)
		}
		return nil, err
	}

	att := &Attachment{
		VMID:      vmID,
		TAPName:   tapName,
		CIDR:      prefix.String(),
		GatewayIP: gateway.String(),
		VMIP:      vmIP.String(),
	}

	p.configureNAT(ctx, att)

	p.active[vmID] = att
	p.logger.Info("TAP interface ready",
		"tap", tapName,
		"gateway", att.GatewayIP,
		"vm_ip", att.VMIP,
		"egress", att.Egress,
		"vm_id", vmID,
	)
	return att, nil
}

func (p *Provisioner) setupLink(ctx context.Context, tapName, addrCIDR string) error {
	if err := p.backend.AssignAddress(ctx, tapName, addrCIDR); err != nil {
		return fmt.Errorf("assign %s to %s: %w", addrCIDR, tapName, err)
	}
	if err := p.backend.SetMTU(ctx, tapName, tapMTU); err != nil {
		return fmt.Errorf("set mtu on %s: %w", tapName, err)
	}
	if err := p.backend.SetLinkUp(ctx, tapName); err != nil {
		return fmt.Errorf("bring up %s: %w", tapName, err)
	}
	return nil
}

// configureNAT enables forwarding and installs masquerade rules against
// the current default-route interface. NAT failures never fail the
// attach: the VM can run without egress.
func (p *Provisioner) configureNAT(ctx context.Context, att *Attachment) {
	if err := p.backend.EnableForwarding(ctx); err != nil {
		p.logger.Warn("failed to enable IP forwarding", "tap", att.TAPName, "error", err)
		return
	}

	egress, err := p.backend.DefaultRouteInterface(ctx)
	if err != nil || egress == "" {
		p.logger.Warn("could not determine default interface for NAT",
			"tap", att.TAPName, "vm_id", att.VMID)
		return
	}

	if err := p.backend.AddNATRules(ctx, att.CIDR, att.TAPName, egress); err != nil {
		p.logger.Warn("failed to install NAT rules",
			"tap", att.TAPName, "egress", egress, "error", err)
		return
	}

	att.Egress = egress
	p.logger.Info("NAT configured",
		"tap", att.TAPName,
		"egress", egress,
		"cidr", att.CIDR,
	)
}

// Detach removes the VM's NAT rules and deletes its TAP interface. Every
// removal is best-effort: detaching an already-absent attachment is not
// an error, and the interface deletion is issued regardless of rule
// removal outcome.
func (p *Provisioner) Detach(ctx context.Context, vmID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detachLocked(ctx, vmID)
}

func (p *Provisioner) detachLocked(ctx context.Context, vmID string) {
	att, ok := p.active[vmID]
	if !ok {
		p.logger.Debug("no active attachment to detach", "vm_id", vmID)
		return
	}

	// Rules first, using the values bound at attach time, so a changed
	// default route never detaches another network's rules.
	if att.Egress != "" {
		if err := p.backend.RemoveNATRules(ctx, att.CIDR, att.TAPName, att.Egress); err != nil {
			p.logger.Warn("failed to remove NAT rules",
				"tap", att.TAPName, "egress", att.Egress, "error", err)
		}
	}

	if err := p.backend.DeleteLink(ctx, att.TAPName); err != nil {
		p.logger.Warn("failed to delete TAP interface",
			"tap", att.TAPName, "error", err)
	}

	delete(p.active, vmID)
	p.logger.Info("network attachment released", "tap", att.TAPName, "vm_id", vmID)
}

// Reclaim removes a TAP interface and NAT rules left behind by a
// previous run, outside the active set. tapName may be empty, in which
// case the deterministic name for vmID is used. The original rule
// bindings were not recorded, so rules are removed against the default
// CIDR and the current egress interface. Everything is best-effort.
func (p *Provisioner) Reclaim(ctx context.Context, vmID, tapName string) {
	if tapName == "" {
		tapName = TAPName(vmID)
	}

	if egress, err := p.backend.DefaultRouteInterface(ctx); err == nil && egress != "" {
		if err := p.backend.RemoveNATRules(ctx, p.defaultCIDR.String(), tapName, egress); err != nil {
			p.logger.Debug("no stale NAT rules to remove", "tap", tapName, "error", err)
		}
	}
	if err := p.backend.DeleteLink(ctx, tapName); err != nil {
		p.logger.Debug("no stale TAP interface to remove", "tap", tapName, "error", err)
	}

	p.logger.Info("reclaimed leftover network resources", "tap", tapName, "vm_id", vmID)
}

// DetachAll releases every active attachment, then disables IP
// forwarding once nothing remains. Used for host-wide shutdown.
func (p *Provisioner) DetachAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("releasing all network attachments", "count", len(p.active))
	for vmID := range p.active {
		p.detachLocked(ctx, vmID)
	}

	if len(p.active) == 0 {
		if err := p.backend.DisableForwarding(ctx); err != nil {
			p.logger.Warn("failed to disable IP forwarding", "error", err)
		}
	}
}

// Get returns the tracked attachment for a VM, if any.
func (p *Provisioner) Get(vmID string) (*Attachment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	att, ok := p.active[vmID]
	return att, ok
}

// Active returns the VM IDs of all tracked attachments.
func (p *Provisioner) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

// Validate produces a read-only health snapshot for a VM's attachment.
// It never mutates state.
func (p *Provisioner) Validate(ctx context.Context, vmID string) Health {
	h := Health{VMID: vmID}

	p.mu.Lock()
	att, ok := p.active[vmID]
	p.mu.Unlock()
	if !ok {
		return h
	}

	exists, up, err := p.backend.LinkState(ctx, att.TAPName)
	if err == nil {
		h.TAPInterfaceExists = exists
		h.TAPInterfaceUp = up
	}

	if assigned, err := p.backend.HasAddress(ctx, att.TAPName, att.GatewayIP); err == nil {
		h.GatewayIPAssigned = assigned
	}

	if enabled, err := p.backend.ForwardingEnabled(ctx); err == nil {
		h.IPForwardingEnabled = enabled
	}

	if egress, err := p.backend.DefaultRouteInterface(ctx); err == nil {
		h.DefaultRouteAvailable = egress != ""
	}

	return h
}

func parsePrivateCIDR(cidr string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid network CIDR %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("network CIDR %q must be IPv4", cidr)
	}
	masked := prefix.Masked()
	for _, private := range rfc1918 {
		if private.Contains(masked.Addr()) {
			return masked, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("network must be private (RFC 1918): %s", cidr)
}
