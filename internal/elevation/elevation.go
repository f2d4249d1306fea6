// Package elevation checks whether the current process has the
// privileges a TUN device and route-table changes require, matching the
// teacher's presentation/elevation seam (IsElevated/Hint) ahead of the
// main entrypoint's startup check.
package elevation
