package network

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Backend abstracts the host networking operations the provisioner needs,
// so orchestration logic is testable without a real kernel. The default
// backend shells out to ip, iptables, and sysctl the way the host tooling
// expects.
type Backend interface {
	CreateTAP(ctx context.Context, name string) error
	AssignAddress(ctx context.Context, name, addrCIDR string) error
	SetMTU(ctx context.Context, name string, mtu int) error
	SetLinkUp(ctx context.Context, name string) error
	DeleteLink(ctx context.Context, name string) error

	EnableForwarding(ctx context.Context) error
	DisableForwarding(ctx context.Context) error
	ForwardingEnabled(ctx context.Context) (bool, error)

	// DefaultRouteInterface returns the egress interface of the host's
	// current default route, or "" when none exists.
	DefaultRouteInterface(ctx context.Context) (string, error)

	AddNATRules(ctx context.Context, cidr, tapName, egress string) error
	RemoveNATRules(ctx context.Context, cidr, tapName, egress string) error

	// LinkState reports whether the named interface exists and is up.
	LinkState(ctx context.Context, name string) (exists, up bool, err error)

	// HasAddress reports whether the named interface carries the given IP.
	HasAddress(ctx context.Context, name, ip string) (bool, error)
}

// ExecBackend is the default Backend implementation. It invokes the
// standard Linux networking utilities and requires the privileges to do
// so (typically root).
type ExecBackend struct{}

func (ExecBackend) run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (ExecBackend) output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

func (b ExecBackend) CreateTAP(ctx context.Context, name string) error {
	return b.run(ctx, "ip", "tuntap", "add", "dev", name, "mode", "tap")
}

func (b ExecBackend) AssignAddress(ctx context.Context, name, addrCIDR string) error {
	return b.run(ctx, "ip", "addr", "add", addrCIDR, "dev", name)
}

func (b ExecBackend) SetMTU(ctx context.Context, name string, mtu int) error {
	return b.run(ctx, "ip", "link", "set", "dev", name, "mtu", strconv.Itoa(mtu))
}

func (b ExecBackend) SetLinkUp(ctx context.Context, name string) error {
	return b.run(ctx, "ip", "link", "set", "dev", name, "up")
}

func (b ExecBackend) DeleteLink(ctx context.Context, name string) error {
	return b.run(ctx, "ip", "link", "delete", name)
}

func (b ExecBackend) EnableForwarding(ctx context.Context) error {
	return b.run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1")
}

func (b ExecBackend) DisableForwarding(ctx context.Context) error {
	return b.run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=0")
}

func (b ExecBackend) ForwardingEnabled(ctx context.Context) (bool, error) {
	out, err := b.output(ctx, "sysctl", "net.ipv4.ip_forward")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "net.ipv4.ip_forward = 1"), nil
}

func (b ExecBackend) DefaultRouteInterface(ctx context.Context) (string, error) {
	out, err := b.output(ctx, "ip", "route", "show", "default")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "default") {
			continue
		}
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "dev" && i+1 < len(fields) {
				return fields[i+1], nil
			}
		}
	}
	return "", nil
}

func (b ExecBackend) AddNATRules(ctx context.Context, cidr, tapName, egress string) error {
	rules := natRules(cidr, tapName, egress, "-A")
	for _, rule := range rules {
		if err := b.run(ctx, "iptables", rule...); err != nil {
			return err
		}
	}
	return nil
}

// RemoveNATRules issues every deletion even when one fails, returning the
// first error for logging purposes only.
func (b ExecBackend) RemoveNATRules(ctx context.Context, cidr, tapName, egress string) error {
	var firstErr error
	for _, rule := range natRules(cidr, tapName, egress, "-D") {
		if err := b.run(ctx, "iptables", rule...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// natRules builds the three rules scoping masquerade and forwarding to
// one VM's CIDR and TAP interface. op is -A to install, -D to remove.
func natRules(cidr, tapName, egress, op string) [][]string {
	return [][]string{
		{"-t", "nat", op, "POSTROUTING", "-s", cidr, "-o", egress, "-j", "MASQUERADE"},
		{op, "FORWARD", "-i", tapName, "-o", egress, "-j", "ACCEPT"},
		{op, "FORWARD", "-i", egress, "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	}
}

func (b ExecBackend) LinkState(ctx context.Context, name string) (bool, bool, error) {
	out, err := b.output(ctx, "ip", "link", "show", name)
	if err != nil {
		// "does not exist" comes back as a command failure.
		return false, false, nil
	}
	return true, strings.Contains(out, "UP"), nil
}

func (b ExecBackend) HasAddress(ctx context.Context, name, ip string) (bool, error) {
	out, err := b.output(ctx, "ip", "addr", "show", name)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, ip), nil
}
