//go:build linux

package kernel

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// System is the Kernel backed by real Linux system calls
type System struct{}

// New returns the host kernel
func New() Kernel {
	return System{}
}

func (System) Open(path string, flags int) (int, error) {
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "open %s", path)
	}
	return fd, nil
}

func (System) Close(fd int) error {
	return unix.Close(fd)
}

func (System) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (System) Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, prot, flags)
}

func (System) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (System) Seek(fd int, offset int64, whence int) (int64, error) {
	return unix.Seek(fd, offset, whence)
}

func (System) Getpid() int {
	return unix.Getpid()
}

func (System) PidfdOpen(pid int) (int, error) {
	return unix.PidfdOpen(pid, 0)
}

func (System) PidfdGetfd(pidfd, targetfd int) (int, error) {
	return unix.PidfdGetfd(pidfd, targetfd, 0)
}

// Monotonic returns CLOCK_MONOTONIC in nanoseconds, the clock sync object
// deadlines are expressed in.
func Monotonic() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}
