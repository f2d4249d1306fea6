//go:build windows

package tundevice

import (
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
)

// ringSize is the shared ring buffer Wintun allocates per session; 8 MiB
// matches the teacher's own wintun_windows.go sizing.
const ringSize = 0x800000

var (
	modWintun                = windows.NewLazySystemDLL("wintun.dll")
	procReceivePacket        *windows.LazyProc
	procReleaseReceivePacket *windows.LazyProc
	loadWintunOnce           sync.Once
	errWintunLoad            error
)

func ensureWintunLoaded() error {
	loadWintunOnce.Do(func() {
		if err := modWintun.Load(); err != nil {
			errWintunLoad = fmt.Errorf("tundevice: loading wintun.dll: %w", err)
			return
		}
		procReceivePacket = modWintun.NewProc("WintunReceivePacket")
		procReleaseReceivePacket = modWintun.NewProc("WintunReleaseReceivePacket")
	})
	return errWintunLoad
}

// windowsDevice wraps a Wintun adapter session, grounded on the teacher's
// infrastructure/PAL/windows/wintun_windows.go reopen-on-EOF pattern.
type windowsDevice struct {
	name       string
	adapter    *wintun.Adapter
	sessionMu  sync.RWMutex
	session    *wintun.Session
	closeEvent windows.Handle
	closed     atomic.Bool
	prevRoutes []Route
}

// Open creates (or reopens) a Wintun adapter named name and starts a
// session on it; tap mode has no Wintun equivalent and is rejected.
func Open(name string, mtu int, tap bool) (Device, error) {
	if tap {
		return nil, fmt.Errorf("tundevice: tap mode is not supported on windows")
	}
	if err := ensureWintunLoaded(); err != nil {
		return nil, err
	}

	adapter, err := wintun.CreateAdapter(name, "vntgo", nil)
	if err != nil {
		adapter, err = wintun.OpenAdapter(name)
		if err != nil {
			return nil, fmt.Errorf("tundevice: opening wintun adapter %s: %w", name, err)
		}
	}

	ev, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("tundevice: creating close event: %w", err)
	}
	sess, err := adapter.StartSession(ringSize)
	if err != nil {
		_ = windows.CloseHandle(ev)
		_ = adapter.Close()
		return nil, fmt.Errorf("tundevice: starting wintun session: %w", err)
	}

	return &windowsDevice{
		name:       name,
		adapter:    adapter,
		session:    &sess,
		closeEvent: ev,
	}, nil
}

func (d *windowsDevice) Name() string { return d.name }

func (d *windowsDevice) reopenSession() error {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	if d.session != nil {
		d.session.End()
	}
	sess, err := d.adapter.StartSession(ringSize)
	if err != nil {
		return err
	}
	d.session = &sess
	return nil
}

func sessionHandle(s *wintun.Session) uintptr {
	return *(*uintptr)(unsafe.Pointer(s))
}

func (d *windowsDevice) Read(p []byte) (int, error) {
	for {
		if d.closed.Load() {
			return 0, fmt.Errorf("tundevice: device closed")
		}
		d.sessionMu.RLock()
		sess := d.session
		d.sessionMu.RUnlock()

		var size uint32
		r1, _, errno := syscall.SyscallN(procReceivePacket.Addr(), sessionHandle(sess), uintptr(unsafe.Pointer(&size)))
		if r1 != 0 {
			src := unsafe.Slice((*byte)(unsafe.Pointer(r1)), size)
			n := copy(p, src)
			syscall.SyscallN(procReleaseReceivePacket.Addr(), sessionHandle(sess), r1)
			return n, nil
		}
		switch {
		case errors.Is(errno, windows.ERROR_NO_MORE_ITEMS):
			if ret, werr := windows.WaitForSingleObject(sess.ReadWaitEvent(), 250); ret == windows.WAIT_FAILED || werr != nil {
				return 0, fmt.Errorf("tundevice: wait on read event: %w", werr)
			}
		case errors.Is(errno, windows.ERROR_HANDLE_EOF):
			if err := d.reopenSession(); err != nil {
				return 0, err
			}
		default:
			return 0, errno
		}
	}
}

func (d *windowsDevice) Write(p []byte) (int, error) {
	for {
		if d.closed.Load() {
			return 0, fmt.Errorf("tundevice: device closed")
		}
		d.sessionMu.RLock()
		sess := d.session
		buf, err := sess.AllocateSendPacket(len(p))
		d.sessionMu.RUnlock()
		if err != nil {
			if errors.Is(err, windows.ERROR_HANDLE_EOF) {
				if err := d.reopenSession(); err != nil {
					return 0, err
				}
				continue
			}
			return 0, err
		}
		copy(buf, p)
		sess.SendPacket(buf)
		return len(p), nil
	}
}

func (d *windowsDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = windows.SetEvent(d.closeEvent)
	d.sessionMu.Lock()
	if d.session != nil {
		d.session.End()
		d.session = nil
	}
	d.sessionMu.Unlock()
	_ = d.adapter.Close()
	return windows.CloseHandle(d.closeEvent)
}

// SetIPv4 assigns the adapter's address via netsh, grounded on the
// teacher's infrastructure/PAL/windows/netsh.InterfaceIPSetAddressStatic.
func (d *windowsDevice) SetIPv4(ip netip.Addr, prefixLen int) error {
	mask := prefixToIPNet(netip.PrefixFrom(ip, prefixLen)).Mask
	maskStr := fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
	out, err := exec.Command("netsh", "interface", "ip", "set", "address",
		"name="+d.name, "static", ip.String(), maskStr).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tundevice: netsh set address: %w, output: %s", err, out)
	}
	return nil
}

// Reconfigure diffs against the previously installed set and issues
// `route add`/`route delete`, grounded on netsh.go's RouteDelete (which
// already shells out to the `route` command rather than netsh for
// table edits).
func (d *windowsDevice) Reconfigure(desired []Route) error {
	toAdd, toRemove := DiffRoutes(d.prevRoutes, desired)
	for _, r := range toRemove {
		out, err := exec.Command("route", "delete", r.Dest.Addr().String()).CombinedOutput()
		if err != nil {
			return fmt.Errorf("tundevice: route delete %s: %w, output: %s", r.Dest, err, out)
		}
	}
	for _, r := range toAdd {
		mask := prefixToIPNet(r.Dest).Mask
		maskStr := fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
		gw := r.Via
		if !gw.IsValid() {
			gw = r.Dest.Addr()
		}
		args := []string{"add", r.Dest.Addr().String(), "mask", maskStr, gw.String()}
		if r.Metric > 0 {
			args = append(args, "metric", strconv.Itoa(r.Metric))
		}
		out, err := exec.Command("route", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("tundevice: route add %s: %w, output: %s", r.Dest, err, out)
		}
	}
	d.prevRoutes = desired
	return nil
}
