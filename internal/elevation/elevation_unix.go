//go:build !windows

package elevation

import "os"

// IsElevated reports whether the process is running as root, which
// creating a TUN device and installing routes via netlink both require.
func IsElevated() bool { return os.Geteuid() == 0 }

// Hint tells the user how to regain the privilege IsElevated found missing.
func Hint() string { return "re-run with sudo or as root" }
