// Package netsetup creates and tears down the network namespace and
// macvlan link each AirPlay 2 receiver process runs inside, per spec.md
// §4.4/§6. It shells out to the `ip` command rather than a netlink
// library, matching the external interface's literal `ip netns`/`ip link`
// invocations.
package netsetup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// commandTimeout bounds every individual `ip` invocation.
const commandTimeout = 5 * time.Second

// mountSettleDelaySeconds is the "short settle delay" spec.md §4.4 step 5
// calls for between starting dbus-daemon, avahi-daemon, and nqptp.
const mountSettleDelaySeconds = "0.2"

// Handle identifies one namespace+macvlan pair created for a group's
// receiver process.
type Handle struct {
	Namespace       string
	Macvlan         string
	ParentInterface string
}

// New derives the namespace/macvlan names for a receiver launch from a
// per-group hex suffix (the low 32 bits of a wall-clock timestamp at
// group creation, per spec.md §6), and the host interface the macvlan
// rides on.
func New(hexSuffix, parentInterface string) Handle {
	return Handle{
		Namespace:       "ap2n_" + hexSuffix,
		Macvlan:         "ap2m_" + hexSuffix,
		ParentInterface: parentInterface,
	}
}

// Create brings the namespace and macvlan into existence and moves the
// macvlan into the namespace, per spec.md §4.4 steps 1-2.
func (h Handle) Create(ctx context.Context) error {
	if err := run(ctx, "ip", "netns", "add", h.Namespace); err != nil {
		return fmt.Errorf("netsetup: create namespace %s: %w", h.Namespace, err)
	}

	if err := run(ctx, "ip", "link", "add", h.Macvlan, "link", h.ParentInterface, "type", "macvlan", "mode", "bridge"); err != nil {
		h.deleteNamespace(ctx)
		return fmt.Errorf("netsetup: create macvlan %s on %s: %w", h.Macvlan, h.ParentInterface, err)
	}

	if err := run(ctx, "ip", "link", "set", h.Macvlan, "netns", h.Namespace); err != nil {
		h.deleteMacvlan(ctx)
		h.deleteNamespace(ctx)
		return fmt.Errorf("netsetup: move macvlan %s into %s: %w", h.Macvlan, h.Namespace, err)
	}

	return nil
}

// BringUp joins the namespace and brings up lo and the macvlan, then
// acquires an address via DHCP, per spec.md §4.4 step 3. Each sub-step is
// a separate `ip netns exec <ns> ...` command, stopping at the first
// failure.
func (h Handle) BringUp(ctx context.Context) error {
	steps := [][]string{
		{"ip", "netns", "exec", h.Namespace, "ip", "link", "set", "lo", "up"},
		{"ip", "netns", "exec", h.Namespace, "ip", "link", "set", h.Macvlan, "up"},
		{"ip", "netns", "exec", h.Namespace, "dhclient", "-1", h.Macvlan},
	}
	for _, step := range steps {
		if err := run(ctx, step[0], step[1:]...); err != nil {
			return fmt.Errorf("netsetup: bring up %s in %s: %w", h.Macvlan, h.Namespace, err)
		}
	}
	return nil
}

// launchScript is steps 4-6 of spec.md §4.4, run as a single shell so the
// mount namespace unshare survives through to the final exec: remount /run
// as a private tmpfs, create /run/dbus and /run/avahi-daemon, start
// dbus-daemon, avahi-daemon, and nqptp in order (each followed by a settle
// delay), then exec the receiver binary ($1) with its group name ($2) and
// port ($3). `set -e` gates the dbus-daemon and avahi-daemon starts on
// success; nqptp runs in the background and its exit status is not
// checked.
const launchScript = `set -e
mount --make-rprivate /run
mount -t tmpfs tmpfs /run
mkdir -p /run/dbus /run/avahi-daemon
dbus-daemon --system --fork
sleep ` + mountSettleDelaySeconds + `
avahi-daemon --daemonize
sleep ` + mountSettleDelaySeconds + `
nqptp &
sleep ` + mountSettleDelaySeconds + `
exec "$1" -a "$2" -p "$3" -o stdout
`

// LaunchArgs builds the `ip <args...>` argument list that joins the
// namespace, unshares a new mount namespace, brings up dbus/avahi/nqptp
// inside it, and execs the receiver binary at binPath with groupName and
// port — spec.md §4.4 steps 4-6. This must happen in one process: the
// mount namespace `unshare --mount` creates only survives for that process
// and whatever it execs next, so it cannot be split across separate `ip
// netns exec` invocations the way steps 1-3 are in BringUp.
func (h Handle) LaunchArgs(binPath, groupName string, port int) []string {
	return []string{
		"netns", "exec", h.Namespace,
		"unshare", "--mount", "--",
		"sh", "-c", launchScript, "sh",
		binPath, groupName, fmt.Sprintf("%d", port),
	}
}

// Teardown deletes the macvlan and namespace. It is best-effort: both
// steps run even if the first fails, and errors are joined rather than
// short-circuited, since spec.md leaves abnormal-exit cleanup ambiguous
// (see DESIGN.md) and the caller may be cleaning up after a crash where
// one of the two objects never got created.
func (h Handle) Teardown(ctx context.Context) error {
	err1 := h.deleteMacvlan(ctx)
	err2 := h.deleteNamespace(ctx)
	return errors.Join(err1, err2)
}

func (h Handle) deleteMacvlan(ctx context.Context) error {
	return run(ctx, "ip", "link", "delete", h.Macvlan)
}

func (h Handle) deleteNamespace(ctx context.Context) error {
	return run(ctx, "ip", "netns", "delete", h.Namespace)
}

func run(ctx context.Context, name string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, stderr.String())
	}
	return nil
}
