//go:build linux

package tundevice

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const defaultTunPath = "/dev/net/tun"

// linuxDevice wraps a duplicated non-blocking TUN (or TAP) fd with two
// epoll instances, one for read readiness and one for write readiness.
// Splitting readiness this way avoids a hot loop: EPOLLOUT is almost
// always ready, and waiting on a single epoll instance for both
// directions would spin on write-readiness while waiting for input.
// Grounded on infrastructure/PAL/linux/tun/epoll/tun.go.
type linuxDevice struct {
	name string
	link netlink.Link

	fd     int
	epIn   int
	epOut  int
	closed atomic.Bool

	prevRoutes []Route
}

// Open creates (or attaches to) a Linux TUN/TAP device named name, sets
// its MTU, and brings it up. name == "" lets the kernel pick a name.
func Open(name string, mtu int, tap bool) (Device, error) {
	f, assigned, err := createInterface(name, tap)
	if err != nil {
		return nil, err
	}

	d, err := wrapNonblocking(f)
	if err != nil {
		return nil, err
	}
	d.name = assigned

	link, err := netlink.LinkByName(assigned)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("tundevice: resolving link %s: %w", assigned, err)
	}
	d.link = link

	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("tundevice: setting mtu on %s: %w", assigned, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("tundevice: bringing up %s: %w", assigned, err)
	}
	return d, nil
}

// createInterface opens /dev/net/tun and performs the TUNSETIFF ioctl,
// requesting IFF_TUN or IFF_TAP with IFF_NO_PI (no per-packet protocol
// header, vntgo frames its own). Grounded on the teacher's repeated
// ioctl(TUNSETIFF) pattern across infrastructure/PAL/linux/{ip,ioctl,
// syscall,network_tools/ioctl}; here expressed against
// golang.org/x/sys/unix's typed Ifreq helpers instead of a hand-rolled
// byte-layout struct.
func createInterface(name string, tap bool) (*os.File, string, error) {
	f, err := os.OpenFile(defaultTunPath, os.O_RDWR, 0)
	if err != nil {
		return nil, "", fmt.Errorf("tundevice: opening %s: %w", defaultTunPath, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		_ = f.Close()
		return nil, "", fmt.Errorf("tundevice: invalid interface name %q: %w", name, err)
	}
	flags := uint16(unix.IFF_NO_PI)
	if tap {
		flags |= unix.IFF_TAP
	} else {
		flags |= unix.IFF_TUN
	}
	ifr.SetUint16(flags)

	if err := unix.IoctlIfreq(int(f.Fd()), unix.TUNSETIFF, ifr); err != nil {
		_ = f.Close()
		return nil, "", fmt.Errorf("tundevice: TUNSETIFF: %w", err)
	}
	return f, ifr.Name(), nil
}

// wrapNonblocking duplicates f's fd, makes the duplicate non-blocking and
// close-on-exec, and registers it with two independent epoll instances.
// Takes ownership of f on success, closing it; on error f is left open
// for the caller.
func wrapNonblocking(f *os.File) (*linuxDevice, error) {
	orig := int(f.Fd())

	dup, err := unix.Dup(orig)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		_ = unix.Close(dup)
		return nil, err
	}
	if _, err := unix.FcntlInt(uintptr(dup), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		_ = unix.Close(dup)
		return nil, err
	}

	epIn, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(dup)
		return nil, err
	}
	epOut, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(epIn)
		_ = unix.Close(dup)
		return nil, err
	}

	inEv := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP, Fd: int32(dup)}
	if err := unix.EpollCtl(epIn, unix.EPOLL_CTL_ADD, dup, &inEv); err != nil {
		_ = unix.Close(epOut)
		_ = unix.Close(epIn)
		_ = unix.Close(dup)
		return nil, err
	}
	outEv := unix.EpollEvent{Events: unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLHUP, Fd: int32(dup)}
	if err := unix.EpollCtl(epOut, unix.EPOLL_CTL_ADD, dup, &outEv); err != nil {
		_ = unix.Close(epOut)
		_ = unix.Close(epIn)
		_ = unix.Close(dup)
		return nil, err
	}

	_ = f.Close()
	runtime.KeepAlive(f)

	return &linuxDevice{fd: dup, epIn: epIn, epOut: epOut}, nil
}

func (d *linuxDevice) Name() string { return d.name }

func (d *linuxDevice) Read(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	for {
		n, err := unix.Read(d.fd, p)
		if err == nil {
			return n, nil
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			if err := d.waitReady(d.epIn, unix.EPOLLIN); err != nil {
				return 0, err
			}
			continue
		case errors.Is(err, unix.EBADF):
			return 0, io.ErrClosedPipe
		default:
			return 0, err
		}
	}
}

func (d *linuxDevice) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	total := 0
	for total < len(p) {
		n, err := unix.Write(d.fd, p[total:])
		if err == nil {
			if n == 0 {
				if err := d.waitReady(d.epOut, unix.EPOLLOUT); err != nil {
					return total, err
				}
				continue
			}
			total += n
			continue
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			if err := d.waitReady(d.epOut, unix.EPOLLOUT); err != nil {
				return total, err
			}
			continue
		case errors.Is(err, unix.EBADF):
			return total, io.ErrClosedPipe
		default:
			return total, err
		}
	}
	return total, nil
}

func (d *linuxDevice) waitReady(ep int, want uint32) error {
	var evs [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(ep, evs[:], -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if errors.Is(err, unix.EBADF) || d.closed.Load() {
				return io.ErrClosedPipe
			}
			return err
		}
		if n <= 0 {
			continue
		}
		ev := evs[0].Events
		if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			return io.EOF
		}
		if ev&want != 0 {
			return nil
		}
	}
}

func (d *linuxDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if err := unix.Close(d.epIn); err != nil {
		firstErr = err
	}
	if err := unix.Close(d.epOut); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (d *linuxDevice) SetIPv4(ip netip.Addr, prefixLen int) error {
	addr, err := netlink.ParseAddr(netip.PrefixFrom(ip, prefixLen).String())
	if err != nil {
		return fmt.Errorf("tundevice: parsing address: %w", err)
	}
	if err := netlink.AddrReplace(d.link, addr); err != nil {
		return fmt.Errorf("tundevice: assigning %s to %s: %w", addr, d.name, err)
	}
	return nil
}

// Reconfigure diffs desired (including whatever always-on routes the
// caller passed in) against what this backend last installed, and
// applies the delta via netlink.RouteReplace/RouteDel. Grounded on malbeclabs-doublezero's
// internal/routing Netlink.RouteAdd/RouteDelete, which use
// netlink.RouteReplace/RouteDel the same way.
func (d *linuxDevice) Reconfigure(desired []Route) error {
	toAdd, toRemove := DiffRoutes(d.prevRoutes, desired)

	for _, r := range toRemove {
		route := d.toNetlinkRoute(r)
		if err := netlink.RouteDel(route); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("tundevice: removing route %s: %w", r.Dest, err)
		}
	}
	for _, r := range toAdd {
		route := d.toNetlinkRoute(r)
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("tundevice: adding route %s: %w", r.Dest, err)
		}
	}

	d.prevRoutes = append([]Route(nil), desired...)
	return nil
}

func (d *linuxDevice) toNetlinkRoute(r Route) *netlink.Route {
	route := &netlink.Route{
		LinkIndex: d.link.Attrs().Index,
		Dst:       prefixToIPNet(r.Dest),
	}
	if r.Via.IsValid() {
		route.Gw = r.Via.AsSlice()
	}
	if r.Metric > 0 {
		route.Priority = r.Metric
	}
	return route
}
