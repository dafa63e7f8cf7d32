// Package kernel abstracts the system calls used to drive an accel device node.
//
// Everything the resource manager asks of the operating system goes through
// the Kernel interface so a simulated driver can stand in for real hardware.
package kernel

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel is the system call surface used by the device layer
type Kernel interface {
	// Open opens a device node and returns its descriptor.
	Open(path string, flags int) (int, error)

	// Close releases a descriptor of any kind.
	Close(fd int) error

	// Ioctl issues request req with arg pointing at its fixed-layout argument.
	Ioctl(fd int, req uint, arg unsafe.Pointer) error

	// Mmap maps length bytes of fd at offset into the process.
	Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error)

	// Munmap releases a mapping returned by Mmap.
	Munmap(b []byte) error

	// Seek repositions fd; used to size imported dma-buf descriptors.
	Seek(fd int, offset int64, whence int) (int64, error)

	// Getpid returns the caller's process id.
	Getpid() int

	// PidfdOpen returns a descriptor referring to process pid.
	PidfdOpen(pid int) (int, error)

	// PidfdGetfd duplicates targetfd of the process behind pidfd into the caller.
	PidfdGetfd(pidfd, targetfd int) (int, error)
}

// Memory protection and mapping flags used by callers
const (
	ProtRead    = unix.PROT_READ
	ProtWrite   = unix.PROT_WRITE
	MapShared   = unix.MAP_SHARED
	SeekEnd     = 2
	OpenRDWR    = unix.O_RDWR
	OpenCloExec = unix.O_CLOEXEC
)
