//go:build !linux && unix

package kernel

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

var start = time.Now()

// System reports every call as unsupported off Linux
type System struct{}

// New returns the host kernel
func New() Kernel {
	return System{}
}

func (System) Open(string, int) (int, error)                  { return -1, unix.ENOSYS }
func (System) Close(int) error                                { return unix.ENOSYS }
func (System) Ioctl(int, uint, unsafe.Pointer) error          { return unix.ENOSYS }
func (System) Mmap(int, int64, int, int, int) ([]byte, error) { return nil, unix.ENOSYS }
func (System) Munmap([]byte) error                            { return unix.ENOSYS }
func (System) Seek(int, int64, int) (int64, error)            { return 0, unix.ENOSYS }
func (System) Getpid() int                                    { return unix.Getpid() }
func (System) PidfdOpen(int) (int, error)                     { return -1, unix.ENOSYS }
func (System) PidfdGetfd(int, int) (int, error)               { return -1, unix.ENOSYS }

// Monotonic returns nanoseconds since process start
func Monotonic() int64 {
	return int64(time.Since(start))
}
