// Package pdev owns the accel device node of one physical device.
//
// A Device is shared by every logical user in the process. The node is
// opened on the first Open, closed on the matching last Close, and every
// ioctl of the library is dispatched through it.
package pdev

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-xdna/internal/kernel"
	"github.com/ehrlich-b/go-xdna/internal/logging"
	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

// ErrNotOpen is returned by Close on a device with no users
var ErrNotOpen = errors.New("pdev: close without matching open")

// IoctlError reports a failed driver request
type IoctlError struct {
	Cmd   string
	Errno syscall.Errno
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("%s IOCTL failed (%d): %s", e.Cmd, int(e.Errno), e.Errno.Error())
}

func (e *IoctlError) Unwrap() error {
	return e.Errno
}

// MmapError reports a failed mapping with the arguments that were used
type MmapError struct {
	Addr   uint64
	Length int
	Prot   int
	Flags  int
	Offset uint64
	Err    error
}

func (e *MmapError) Error() string {
	return fmt.Sprintf("mmap(addr=%#x, len=%d, prot=%d, flags=%d, offset=%#x) failed: %v",
		e.Addr, e.Length, e.Prot, e.Flags, e.Offset, e.Err)
}

func (e *MmapError) Unwrap() error {
	return e.Err
}

// Hooks run inside the open/close transitions, with the device lock held
// and the descriptor valid.
type Hooks interface {
	// FirstOpen runs after the node is opened on a 0->1 transition. An error
	// undoes the open.
	FirstOpen(d *Device) error

	// LastClose runs before the node is closed on a 1->0 transition.
	LastClose(d *Device)
}

// NopHooks does nothing on either transition
type NopHooks struct{}

func (NopHooks) FirstOpen(*Device) error { return nil }
func (NopHooks) LastClose(*Device)       {}

// Device is the reference-counted handle to one device node
type Device struct {
	kern  kernel.Kernel
	path  string
	hooks Hooks
	log   *logging.Logger

	mu    sync.Mutex
	users int
	fd    atomic.Int32
	heap  uint32
}

// Option configures a Device
type Option func(*Device)

// WithHooks installs the transition hooks
func WithHooks(h Hooks) Option {
	return func(d *Device) {
		if h != nil {
			d.hooks = h
		}
	}
}

// WithLogger sets the logger used for transition events
func WithLogger(l *logging.Logger) Option {
	return func(d *Device) {
		d.log = l
	}
}

// New creates a closed handle for the node at path
func New(k kernel.Kernel, path string, opts ...Option) *Device {
	d := &Device{
		kern:  k,
		path:  path,
		hooks: NopHooks{},
		log:   logging.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithComponent("pdev")
	d.fd.Store(-1)
	return d
}

// Open takes a reference, opening the node if this is the first one
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.users > 0 {
		d.users++
		return nil
	}

	fd, err := d.kern.Open(d.path, kernel.OpenRDWR|kernel.OpenCloExec)
	if err != nil {
		d.log.Error("device open failed", "path", d.path, "err", err)
		return errors.Wrapf(err, "pdev: open %s", d.path)
	}
	d.fd.Store(int32(fd))

	if err := d.hooks.FirstOpen(d); err != nil {
		d.fd.Store(-1)
		d.kern.Close(fd)
		d.log.Error("device open hook failed", "path", d.path, "fd", fd, "err", err)
		return err
	}

	d.users = 1
	d.log.Info("device opened", "path", d.path, "fd", fd)
	return nil
}

// Close drops a reference, closing the node when it was the last one
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.users == 0 {
		return ErrNotOpen
	}
	d.users--
	if d.users > 0 {
		return nil
	}

	d.hooks.LastClose(d)
	fd := int(d.fd.Swap(-1))
	err := d.kern.Close(fd)
	if err != nil {
		d.log.Error("device close failed", "path", d.path, "fd", fd, "err", err)
		return errors.Wrapf(err, "pdev: close %s", d.path)
	}
	d.log.Info("device closed", "path", d.path, "fd", fd)
	return nil
}

// Ioctl issues cmd against the open node
func (d *Device) Ioctl(cmd uint, arg unsafe.Pointer) error {
	fd := int(d.fd.Load())
	if fd < 0 {
		return &IoctlError{Cmd: uapi.CmdName(cmd), Errno: syscall.EINVAL}
	}
	if err := d.kern.Ioctl(fd, cmd, arg); err != nil {
		var errno syscall.Errno
		if !errors.As(err, &errno) {
			errno = syscall.EIO
		}
		return &IoctlError{Cmd: uapi.CmdName(cmd), Errno: errno}
	}
	return nil
}

// Mmap maps length bytes of the node at offset
func (d *Device) Mmap(offset uint64, length, prot, flags int) ([]byte, error) {
	fd := int(d.fd.Load())
	if fd < 0 {
		return nil, &MmapError{Length: length, Prot: prot, Flags: flags, Offset: offset, Err: syscall.EBADF}
	}
	b, err := d.kern.Mmap(fd, int64(offset), length, prot, flags)
	if err != nil {
		return nil, &MmapError{Length: length, Prot: prot, Flags: flags, Offset: offset, Err: err}
	}
	return b, nil
}

// Munmap releases a mapping obtained from Mmap
func (d *Device) Munmap(b []byte) error {
	if err := d.kern.Munmap(b); err != nil {
		return errors.Wrapf(err, "munmap(len=%d)", len(b))
	}
	return nil
}

// Kernel returns the system call layer the device uses
func (d *Device) Kernel() kernel.Kernel {
	return d.kern
}

// Path returns the device node path
func (d *Device) Path() string {
	return d.path
}

// Users returns the current reference count
func (d *Device) Users() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users
}

// FD returns the node descriptor, or -1 while closed
func (d *Device) FD() int {
	return int(d.fd.Load())
}

// Heap returns the handle of the device heap, or 0 if none is held
func (d *Device) Heap() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heap
}
