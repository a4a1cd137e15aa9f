// Package fsperm holds test assertions for on-disk state permissions.
package fsperm

import (
	"os"
	"runtime"
	"testing"
)

// AssertOwnerOnlyDir fails the test unless dir exists as a directory with
// mode 0700. Windows has no comparable mode bits and is skipped.
func AssertOwnerOnlyDir(t testing.TB, dir string) {
	t.Helper()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat %s failed: %v", dir, err)
	}
	if !info.IsDir() {
		t.Fatalf("%s is not a directory", dir)
	}
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("%s has mode %04o, want 0700", dir, perm)
	}
}
