//go:build windows

package elevation

import "golang.org/x/sys/windows"

// IsElevated reports whether the process token belongs to an elevated
// (Administrator) session, which the wintun adapter driver requires.
func IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

// Hint tells the user how to regain the privilege IsElevated found missing.
func Hint() string { return "re-run from an elevated (Administrator) command prompt" }
