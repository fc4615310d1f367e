package network

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/firetask/firetask/internal/config"
)

// fakeBackend records calls and lets tests inject failures per operation.
type fakeBackend struct {
	taps       map[string]bool
	addrs      map[string]string
	up         map[string]bool
	natRules   map[string]bool // key: cidr|tap|egress
	forwarding bool
	egress     string

	failCreate     bool
	failAssign     bool
	failSetUp      bool
	failAddNAT     bool
	createCalls    int
	deleteCalls    int
	removeNATCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		taps:     make(map[string]bool),
		addrs:    make(map[string]string),
		up:       make(map[string]bool),
		natRules: make(map[string]bool),
		egress:   "eth0",
	}
}

func (f *fakeBackend) CreateTAP(_ context.Context, name string) error {
	f.createCalls++
	if f.failCreate {
		return errors.New("create failed")
	}
	f.taps[name] = true
	return nil
}

func (f *fakeBackend) AssignAddress(_ context.Context, name, addr string) error {
	if f.failAssign {
		return errors.New("assign failed")
	}
	f.addrs[name] = addr
	return nil
}

func (f *fakeBackend) SetMTU(_ context.Context, _ string, _ int) error { return nil }

func (f *fakeBackend) SetLinkUp(_ context.Context, name string) error {
	if f.failSetUp {
		return errors.New("link up failed")
	}
	f.up[name] = true
	return nil
}

func (f *fakeBackend) DeleteLink(_ context.Context, name string) error {
	f.deleteCalls++
	delete(f.taps, name)
	delete(f.up, name)
	return nil
}

func (f *fakeBackend) EnableForwarding(_ context.Context) error {
	f.forwarding = true
	return nil
}

func (f *fakeBackend) DisableForwarding(_ context.Context) error {
	f.forwarding = false
	return nil
}

func (f *fakeBackend) ForwardingEnabled(_ context.Context) (bool, error) {
	return f.forwarding, nil
}

func (f *fakeBackend) DefaultRouteInterface(_ context.Context) (string, error) {
	return f.egress, nil
}

func (f *fakeBackend) AddNATRules(_ context.Context, cidr, tap, egress string) error {
	if f.failAddNAT {
		return errors.New("iptables failed")
	}
	f.natRules[cidr+"|"+tap+"|"+egress] = true
	return nil
}

func (f *fakeBackend) RemoveNATRules(_ context.Context, cidr, tap, egress string) error {
	f.removeNATCalls++
	delete(f.natRules, cidr+"|"+tap+"|"+egress)
	return nil
}

func (f *fakeBackend) LinkState(_ context.Context, name string) (bool, bool, error) {
	return f.taps[name], f.up[name], nil
}

func (f *fakeBackend) HasAddress(_ context.Context, name, ip string) (bool, error) {
	return f.addrs[name] != "" && f.addrs[name][:len(ip)] == ip, nil
}

func newTestProvisioner(t *testing.T, b Backend) *Provisioner {
	t.Helper()
	p, err := NewProvisioner(b, "172.30.0.0/24", slog.Default())
	if err != nil {
		t.Fatalf("NewProvisioner failed: %v", err)
	}
	return p
}

func TestTAPName(t *testing.T) {
	tests := []struct {
		vmID string
		want string
	}{
		{"abc123", "tapabc123"},
		{"0123456789abcdef", "tap0123456789ab"},
		{"x", "tapx"},
	}
	for _, tt := range tests {
		if got := TAPName(tt.vmID); got != tt.want {
			t.Errorf("TAPName(%q) = %q, want %q", tt.vmID, got, tt.want)
		}
		if len(TAPName(tt.vmID)) > 15 {
			t.Errorf("TAPName(%q) exceeds IFNAMSIZ", tt.vmID)
		}
	}
}

func TestDeriveAddresses(t *testing.T) {
	gw, vmIP := DeriveAddresses("172.30.0.0/24")
	if gw != "172.30.0.1" || vmIP != "172.30.0.2" {
		t.Errorf("DeriveAddresses = %s/%s, want 172.30.0.1/172.30.0.2", gw, vmIP)
	}

	gw, vmIP = DeriveAddresses("8.8.8.0/24")
	if gw != "" || vmIP != "" {
		t.Errorf("public CIDR should derive nothing, got %s/%s", gw, vmIP)
	}
}

func TestNewProvisioner_AcceptsShippedDefault(t *testing.T) {
	// A daemon started without a config file builds its provisioner from
	// the shipped default, so that value must pass the RFC 1918 gate.
	cidr := config.DefaultConfig().VM.NetworkCIDR
	if _, err := NewProvisioner(newFakeBackend(), cidr, slog.Default()); err != nil {
		t.Fatalf("NewProvisioner(%q) failed: %v", cidr, err)
	}
	if gw, vmIP := DeriveAddresses(cidr); gw == "" || vmIP == "" {
		t.Errorf("default CIDR should derive guest addresses, got %q/%q", gw, vmIP)
	}
}

func TestNewProvisioner_RejectsPublicCIDR(t *testing.T) {
	tests := []string{"8.8.8.0/24", "1.2.3.0/24", "not-a-cidr", "2001:db8::/64"}
	for _, cidr := range tests {
		if _, err := NewProvisioner(newFakeBackend(), cidr, slog.Default()); err == nil {
			t.Errorf("NewProvisioner(%q) should fail", cidr)
		}
	}
}

func TestAttach_AddressDerivation(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvisioner(t, b)

	att, err := p.Attach(context.Background(), "vm1", "10.0.0.0/24")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if att.GatewayIP != "10.0.0.1" {
		t.Errorf("GatewayIP = %q, want 10.0.0.1", att.GatewayIP)
	}
	if att.VMIP != "10.0.0.2" {
		t.Errorf("VMIP = %q, want 10.0.0.2", att.VMIP)
	}
	if att.TAPName != "tapvm1" {
		t.Errorf("TAPName = %q, want tapvm1", att.TAPName)
	}
	if att.Egress != "eth0" {
		t.Errorf("Egress = %q, want eth0", att.Egress)
	}
	if !b.taps["tapvm1"] || !b.up["tapvm1"] {
		t.Error("interface should exist and be up")
	}
	if got := b.addrs["tapvm1"]; got != "10.0.0.1/24" {
		t.Errorf("assigned address = %q, want 10.0.0.1/24", got)
	}
	if !b.natRules["10.0.0.0/24|tapvm1|eth0"] {
		t.Error("NAT rules should be installed for the attachment")
	}
	if !b.forwarding {
		t.Error("IP forwarding should be enabled")
	}
}

func TestAttach_DefaultCIDR(t *testing.T) {
	p := newTestProvisioner(t, newFakeBackend())

	att, err := p.Attach(context.Background(), "vm1", "")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if att.CIDR != "172.30.0.0/24" {
		t.Errorf("CIDR = %q, want provisioner default", att.CIDR)
	}
	if att.GatewayIP != "172.30.0.1" || att.VMIP != "172.30.0.2" {
		t.Errorf("derived IPs = %s/%s", att.GatewayIP, att.VMIP)
	}
}

func TestAttach_DoubleAttachRejected(t *testing.T) {
	p := newTestProvisioner(t, newFakeBackend())
	ctx := context.Background()

	if _, err := p.Attach(ctx, "vmA", "10.0.0.0/24"); err != nil {
		t.Fatalf("first Attach failed: %v", err)
	}

	_, err := p.Attach(ctx, "vmA", "10.0.0.0/24")
	if !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("second Attach error = %v, want ErrAlreadyAttached", err)
	}

	if got := len(p.Active()); got != 1 {
		t.Errorf("active attachments = %d, want 1", got)
	}
}

func TestAttach_NoDefaultRoute(t *testing.T) {
	b := newFakeBackend()
	b.egress = ""
	p := newTestProvisioner(t, b)

	att, err := p.Attach(context.Background(), "vm1", "")
	if err != nil {
		t.Fatalf("Attach should succeed without a default route, got %v", err)
	}
	if att.Egress != "" {
		t.Errorf("Egress = %q, want empty", att.Egress)
	}
	if len(b.natRules) != 0 {
		t.Error("no NAT rules should be installed without an egress interface")
	}
}

func TestAttach_NATFailureIsNonFatal(t *testing.T) {
	b := newFakeBackend()
	b.failAddNAT = true
	p := newTestProvisioner(t, b)

	att, err := p.Attach(context.Background(), "vm1", "")
	if err != nil {
		t.Fatalf("Attach should tolerate NAT failure, got %v", err)
	}
	if att.Egress != "" {
		t.Error("Egress should stay empty when rules failed to install")
	}
}

func TestAttach_SetupFailureCleansInterface(t *testing.T) {
	b := newFakeBackend()
	b.failAssign = true
	p := newTestProvisioner(t, b)

	if _, err := p.Attach(context.Background(), "vm1", ""); err == nil {
		t.Fatal("Attach should fail when address assignment fails")
	}
	if b.taps["tapvm1"] {
		t.Error("interface should have been deleted after setup failure")
	}
	if _, ok := p.Get("vm1"); ok {
		t.Error("failed attach must not be tracked")
	}
}

func TestDetach(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvisioner(t, b)
	ctx := context.Background()

	if _, err := p.Attach(ctx, "vm1", ""); err != nil {
		t.Fatal(err)
	}

	p.Detach(ctx, "vm1")

	if len(b.natRules) != 0 {
		t.Error("NAT rules should be removed")
	}
	if b.taps["tapvm1"] {
		t.Error("interface should be deleted")
	}
	if _, ok := p.Get("vm1"); ok {
		t.Error("attachment should be untracked")
	}

	// Idempotent: a second detach is a no-op, not an error.
	p.Detach(ctx, "vm1")
	if b.deleteCalls != 1 {
		t.Errorf("deleteCalls = %d, want 1 (second detach must not re-delete)", b.deleteCalls)
	}
}

func TestDetachAll(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvisioner(t, b)
	ctx := context.Background()

	for _, id := range []string{"vm1", "vm2", "vm3"} {
		if _, err := p.Attach(ctx, id, ""); err != nil {
			t.Fatalf("Attach(%s) failed: %v", id, err)
		}
	}

	p.DetachAll(ctx)

	if got := len(p.Active()); got != 0 {
		t.Errorf("active after DetachAll = %d, want 0", got)
	}
	if b.forwarding {
		t.Error("forwarding should be disabled once nothing remains")
	}
}

func TestReclaim_RemovesPreviousRunLeftovers(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvisioner(t, b)
	ctx := context.Background()

	// A TAP interface and NAT rules surviving from a previous daemon run:
	// present on the host, absent from the active set.
	b.taps["tapvm9"] = true
	b.natRules["172.30.0.0/24|tapvm9|eth0"] = true

	p.Reclaim(ctx, "vm9", "")

	if b.taps["tapvm9"] {
		t.Error("stale TAP interface should be deleted")
	}
	if len(b.natRules) != 0 {
		t.Error("stale NAT rules should be removed")
	}

	// A device name recorded by the previous run wins over derivation.
	b.taps["tapcustom"] = true
	p.Reclaim(ctx, "vmX", "tapcustom")
	if b.taps["tapcustom"] {
		t.Error("recorded TAP device should be deleted")
	}
}

func TestValidate(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvisioner(t, b)
	ctx := context.Background()

	// Unknown VM: all-false snapshot, no error.
	h := p.Validate(ctx, "ghost")
	if h.TAPInterfaceExists || h.IPForwardingEnabled {
		t.Error("unknown VM should report an empty snapshot")
	}

	if _, err := p.Attach(ctx, "vm1", ""); err != nil {
		t.Fatal(err)
	}

	h = p.Validate(ctx, "vm1")
	if !h.TAPInterfaceExists || !h.TAPInterfaceUp {
		t.Error("interface should exist and be up")
	}
	if !h.GatewayIPAssigned {
		t.Error("gateway IP should be assigned")
	}
	if !h.IPForwardingEnabled {
		t.Error("forwarding should be enabled")
	}
	if !h.DefaultRouteAvailable {
		t.Error("default route should be available")
	}
}
