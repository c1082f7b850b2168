//go:build linux

package fault

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/lazymem/lazymem/internal/protect"
	"github.com/lazymem/lazymem/internal/resolve"
	"github.com/lazymem/lazymem/types"
)

// userfaultfd ABI, from <linux/userfaultfd.h>. golang.org/x/sys exposes the
// syscall number but not the ioctl protocol, so the structs and request
// codes are declared here. Request codes are the _IOWR/_IOR encodings for
// the 0xAA ioctl type; they are identical on all 64-bit linux targets.
const (
	uffdAPIVersion = 0xAA

	uffdFeaturePagefaultFlagWP = 1 << 0

	uffdEventPagefault = 0x12

	uffdPagefaultFlagWrite = 1 << 0
	uffdPagefaultFlagWP    = 1 << 1

	uffdioRegisterModeMissing = 1 << 0
	uffdioRegisterModeWP      = 1 << 1

	uffdioCopyModeDontwake = 1 << 0
	uffdioCopyModeWP       = 1 << 1

	uffdioWriteprotectModeDontwake = 1 << 1

	ioctlUFFDIOAPI          = 0xc018aa3f // _IOWR(0xAA, 0x3f, struct uffdio_api)
	ioctlUFFDIORegister     = 0xc020aa00 // _IOWR(0xAA, 0x00, struct uffdio_register)
	ioctlUFFDIOUnregister   = 0x8010aa01 // _IOR(0xAA, 0x01, struct uffdio_range)
	ioctlUFFDIOWake         = 0x8010aa02 // _IOR(0xAA, 0x02, struct uffdio_range)
	ioctlUFFDIOCopy         = 0xc028aa03 // _IOWR(0xAA, 0x03, struct uffdio_copy)
	ioctlUFFDIOWriteprotect = 0xc018aa06 // _IOWR(0xAA, 0x06, struct uffdio_writeprotect)
)

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopy struct {
	dst    uint64
	src    uint64
	len    uint64
	mode   uint64
	copied int64
}

type uffdioWriteprotect struct {
	rng  uffdioRange
	mode uint64
}

type uffdMsg struct {
	event     uint8
	_         [7]byte
	pagefault struct {
		flags   uint64
		address uint64
		feat    uint32
		_       uint32
	}
}

// uffdBackend delivers faults through a userfaultfd. Each invocation gets
// its own descriptor and monitor goroutine, so parallel invocations never
// serialize on a shared fault channel. The faulting guest thread blocks in
// the kernel until the monitor resolves the page, then resumes transparently
// at the faulting instruction.
//
// Pages are registered in missing + write-protect mode: a first read is a
// missing fault answered with a write-protected copy (Loaded), a first or
// subsequent write is reported with the write flag and answered by clearing
// the protection (Written). The kernel reports the access kind, so the
// resolver always gets real read/write attribution on this backend.
//
// Resolution never wakes the blocked guest by itself (DONTWAKE on every
// resolve ioctl): the monitor wakes it with an explicit UFFDIO_WAKE only
// after the ledger and gas bookkeeping are committed, so a guest returning
// from an access never observes a half-applied transition.
type uffdBackend struct {
	logger *zap.Logger
}

type uffdState struct {
	fd       int
	base     uint64
	pageSize uint32
	copyBuf  []byte
	done     chan struct{}
	teardown sync.Once
}

func newUFFDBackend(logger *zap.Logger) (Backend, error) {
	fd, err := openUserfaultfd()
	if err != nil {
		return nil, types.BackendFailureError{Msg: "userfaultfd unavailable", Err: err}
	}
	unix.Close(fd)
	return &uffdBackend{logger: logger}, nil
}

func (b *uffdBackend) Name() Kind {
	return KindUFFD
}

// openUserfaultfd creates a descriptor and completes the API handshake,
// requiring write-protect fault reporting (linux 5.7+).
func openUserfaultfd() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return -1, fmt.Errorf("userfaultfd: %w", errno)
	}
	api := uffdioAPI{api: uffdAPIVersion, features: uffdFeaturePagefaultFlagWP}
	if err := uffdIoctl(int(fd), ioctlUFFDIOAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))
		return -1, fmt.Errorf("UFFDIO_API handshake: %w", err)
	}
	return int(fd), nil
}

func uffdIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *uffdBackend) Setup(ctx *resolve.Context) error {
	// The mapping is reserved read-write: access control comes from page
	// residency (missing pages fault) and write protection, not mprotect.
	region, err := protect.Reserve(ctx.Layout.RegionSize, protect.ReadWrite)
	if err != nil {
		return err
	}
	fd, err := openUserfaultfd()
	if err != nil {
		region.Release()
		return types.BackendFailureError{Msg: "userfaultfd setup failed", Err: err}
	}
	st := &uffdState{
		fd:       fd,
		base:     uint64(region.Base()),
		pageSize: ctx.Layout.AccessPageSize,
		copyBuf:  make([]byte, ctx.Layout.AccessPageSize),
		done:     make(chan struct{}),
	}
	reg := uffdioRegister{
		rng:  uffdioRange{start: st.base, len: ctx.Layout.RegionSize},
		mode: uffdioRegisterModeMissing | uffdioRegisterModeWP,
	}
	if err := uffdIoctl(fd, ioctlUFFDIORegister, unsafe.Pointer(&reg)); err != nil {
		unix.Close(fd)
		region.Release()
		return types.BackendFailureError{Msg: "UFFDIO_REGISTER failed", Err: err}
	}
	ctx.Region = region
	ctx.Prot = &uffdProtector{st: st}
	ctx.Aux = st
	go b.monitor(ctx, st)
	return nil
}

func (b *uffdBackend) Teardown(ctx *resolve.Context) error {
	st := ctx.Aux.(*uffdState)
	st.teardown.Do(func() {
		rng := uffdioRange{start: st.base, len: ctx.Layout.RegionSize}
		_ = uffdIoctl(st.fd, ioctlUFFDIOUnregister, unsafe.Pointer(&rng))
		unix.Close(st.fd)
		<-st.done
	})
	return nil
}

// monitor is the fault interceptor: it reads fault events for this context's
// region and drives the resolver. It exits when the descriptor is closed.
func (b *uffdBackend) monitor(ctx *resolve.Context, st *uffdState) {
	defer close(st.done)
	var msg uffdMsg
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&msg)), unsafe.Sizeof(msg))
	for {
		if !awaitReadable(st.fd) {
			return
		}
		n, err := unix.Read(st.fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			return
		}
		if msg.event != uffdEventPagefault {
			continue
		}
		b.handleFault(ctx, st, msg.pagefault.address, msg.pagefault.flags)
	}
}

func (b *uffdBackend) handleFault(ctx *resolve.Context, st *uffdState, address, flags uint64) {
	kind := resolve.AccessRead
	if flags&(uffdPagefaultFlagWrite|uffdPagefaultFlagWP) != 0 {
		kind = resolve.AccessWrite
	}
	rel := address - st.base
	if err := resolve.Resolve(ctx, rel, kind); err != nil {
		b.logger.Debug("aborting invocation from fault path",
			zap.Uint64("offset", rel),
			zap.String("kind", kind.String()),
			zap.Error(err))
		b.abortFault(ctx, st, rel, err)
		return
	}
	// Wake only now, with ledger and gas committed by Resolve.
	b.wake(st, rel)
}

func (b *uffdBackend) wake(st *uffdState, rel uint64) {
	pageOff := rel &^ (uint64(st.pageSize) - 1)
	rng := uffdioRange{start: st.base + pageOff, len: uint64(st.pageSize)}
	_ = uffdIoctl(st.fd, ioctlUFFDIOWake, unsafe.Pointer(&rng))
}

// abortFault parks an unresolvable fault: the access must not be granted,
// but the faulting thread is blocked in the kernel and cannot receive an
// error directly. The page is flipped to no-access so the retried access
// faults through the guard path, where the recorded abort is surfaced.
func (b *uffdBackend) abortFault(ctx *resolve.Context, st *uffdState, rel uint64, err error) {
	ctx.SetAbort(err)
	pageOff := rel &^ (uint64(st.pageSize) - 1)
	if pageOff < ctx.Layout.RegionSize {
		if perr := ctx.Region.Protect(pageOff, uint64(st.pageSize), protect.NoAccess); perr != nil {
			ctx.SetAbort(perr)
		}
	}
	b.wake(st, rel)
}

func awaitReadable(fd int) bool {
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return false
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return false
		}
		return fds[0].Revents&unix.POLLIN != 0
	}
}

func (b *uffdBackend) Read(ctx *resolve.Context, off uint64, dst []byte) error {
	if err := checkRange(ctx, off, len(dst), resolve.AccessRead); err != nil {
		return err
	}
	if err := ctx.AbortErr(); err != nil {
		return err
	}
	mem := ctx.Region.Bytes()
	_, faulted := touch(func() { copy(dst, mem[off:off+uint64(len(dst))]) })
	return b.faultOutcome(ctx, faulted, off, resolve.AccessRead)
}

func (b *uffdBackend) Write(ctx *resolve.Context, off uint64, src []byte) error {
	if err := checkRange(ctx, off, len(src), resolve.AccessWrite); err != nil {
		return err
	}
	if err := ctx.AbortErr(); err != nil {
		return err
	}
	mem := ctx.Region.Bytes()
	_, faulted := touch(func() { copy(mem[off:off+uint64(len(src))], src) })
	return b.faultOutcome(ctx, faulted, off, resolve.AccessWrite)
}

// faultOutcome classifies a fault that escaped the kernel resolution path.
// The only expected cause is an abort parked by the monitor; anything else
// means protection state and ledger disagree.
func (b *uffdBackend) faultOutcome(ctx *resolve.Context, faulted bool, off uint64, kind resolve.AccessKind) error {
	if !faulted {
		return nil
	}
	if err := ctx.AbortErr(); err != nil {
		return err
	}
	return types.BackendFailureError{
		Msg: fmt.Sprintf("unexpected hardware fault during %s at offset 0x%x", kind, off),
	}
}

// uffdProtector implements protect.Protector with userfaultfd resolve
// ioctls: residency comes from UFFDIO_COPY, write permission from clearing
// the write protection. Neither wakes the blocked faulting thread; the
// monitor does that separately once the whole transition is committed.
type uffdProtector struct {
	st *uffdState
}

func (p *uffdProtector) Fill(page uint32, data []byte, mode protect.Mode) error {
	st := p.st
	n := copy(st.copyBuf, data)
	for i := n; i < len(st.copyBuf); i++ {
		st.copyBuf[i] = 0
	}
	cpy := uffdioCopy{
		dst:  st.base + uint64(page)*uint64(st.pageSize),
		src:  uint64(uintptr(unsafe.Pointer(&st.copyBuf[0]))),
		len:  uint64(st.pageSize),
		mode: uffdioCopyModeDontwake,
	}
	if mode != protect.ReadWrite {
		cpy.mode |= uffdioCopyModeWP
	}
	for {
		err := uffdIoctl(st.fd, ioctlUFFDIOCopy, unsafe.Pointer(&cpy))
		retry, err := copyOutcome(page, err, cpy.copied)
		if !retry {
			return err
		}
	}
}

// copyOutcome classifies one UFFDIO_COPY attempt. EEXIST means the page is
// already resident and the resolve is idempotent. On failure the kernel
// writes either a negated errno or a partial byte count into copied: a
// non-positive value with EAGAIN means nothing landed and the copy can be
// retried whole, while a positive count means the page is half-populated and
// retrying the full range would corrupt it.
func copyOutcome(page uint32, err error, copied int64) (retry bool, outErr error) {
	switch {
	case err == nil:
		return false, nil
	case err == unix.EEXIST:
		return false, nil
	case err == unix.EAGAIN && copied <= 0:
		return true, nil
	case err == unix.EAGAIN:
		return false, types.BackendFailureError{
			Msg: fmt.Sprintf("partial UFFDIO_COPY of page %d: %d bytes copied", page, copied),
		}
	default:
		return false, types.BackendFailureError{
			Msg: fmt.Sprintf("UFFDIO_COPY of page %d failed", page),
			Err: err,
		}
	}
}

func (p *uffdProtector) Upgrade(page uint32, mode protect.Mode) error {
	if mode != protect.ReadWrite {
		return types.BackendFailureError{
			Msg: fmt.Sprintf("unsupported protection downgrade to %s", mode),
		}
	}
	st := p.st
	wp := uffdioWriteprotect{
		rng: uffdioRange{
			start: st.base + uint64(page)*uint64(st.pageSize),
			len:   uint64(st.pageSize),
		},
		// A clear WP bit removes the protection; the waiter is woken by the
		// monitor after the transition commits.
		mode: uffdioWriteprotectModeDontwake,
	}
	if err := uffdIoctl(st.fd, ioctlUFFDIOWriteprotect, unsafe.Pointer(&wp)); err != nil {
		return types.BackendFailureError{
			Msg: fmt.Sprintf("UFFDIO_WRITEPROTECT clear of page %d failed", page),
			Err: err,
		}
	}
	return nil
}
