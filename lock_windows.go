//go:build windows

// LockFileEx-based exclusive file locking for Windows. Mirrors
// lock_unix.go's flock(2) semantics (try-lock, fail immediately rather than
// block) using the Win32 API, keeping lockExclusiveNB/unlockFile portable
// across both build-tagged files.
package ejldb

import (
	"fmt"
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileExclusiveLock   = 0x00000002
	lockfileFailImmediately = 0x00000001
)

func lockExclusiveNB(f fdHolder) error {
	h := syscall.Handle(f.Fd())
	var overlapped syscall.Overlapped
	flags := uintptr(lockfileExclusiveLock | lockfileFailImmediately)
	r1, _, err := procLockFileEx.Call(
		uintptr(h), flags, 0, 0xFFFFFFFF, 0xFFFFFFFF, uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		return fmt.Errorf("%w: %v", ErrLockHeld, err)
	}
	return nil
}

func unlockFile(f fdHolder) error {
	h := syscall.Handle(f.Fd())
	var overlapped syscall.Overlapped
	procUnlockFileEx.Call(
		uintptr(h), 0, 0, 0xFFFFFFFF, 0xFFFFFFFF, uintptr(unsafe.Pointer(&overlapped)),
	)
	return nil
}
