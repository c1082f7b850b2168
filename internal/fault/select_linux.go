//go:build linux

package fault

import "golang.org/x/sys/unix"

// autoKind prefers transparent kernel fault delivery and falls back to
// mprotect fencing on kernels without userfaultfd write-protect support.
func autoKind() Kind {
	if fd, err := openUserfaultfd(); err == nil {
		unix.Close(fd)
		return KindUFFD
	}
	return KindGuard
}
