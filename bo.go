package xdna

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-xdna/internal/kernel"
	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

// MapMode is the host access a mapping is created with
type MapMode int

const (
	MapRead MapMode = iota
	MapWrite
)

// SyncDirection is the direction of a cache synchronization
type SyncDirection uint32

const (
	SyncToDevice   SyncDirection = uapi.SYNC_DIRECT_TO_DEVICE
	SyncFromDevice SyncDirection = uapi.SYNC_DIRECT_FROM_DEVICE
)

func (d SyncDirection) String() string {
	if d == SyncFromDevice {
		return "from_device"
	}
	return "to_device"
}

// BOProperties describes a buffer object
type BOProperties struct {
	Handle     uint32
	Flags      Flags
	Size       uint64
	DeviceAddr uint64
}

// BufferObject is one kernel-backed allocation. It is owned either by its
// Device or, for context-scoped buffers, by a HwContext, and is not safe for
// concurrent use.
type BufferObject struct {
	dev *Device
	ctx *HwContext

	handle    uint32
	size      uint64
	flags     Flags
	typ       uint32
	addr      uint64
	mapOffset uint64
	userptr   []byte
	imported  bool

	mapping []byte
	mapMode MapMode

	args  []uint32
	cmdID uint64
	freed bool
}

// newBO creates the driver object. The caller decides who owns it.
func (d *Device) newBO(size uint64, flags Flags, userptr []byte) (*BufferObject, error) {
	if size == 0 {
		return nil, NewDeviceError("alloc_bo", d.Path(), ErrCodeInvalidParameters, "zero sized buffer")
	}
	typ, err := d.be.bufferType(flags)
	if err != nil {
		return nil, err
	}
	if userptr != nil {
		if typ != uapi.AMDXDNA_BO_SHMEM {
			return nil, NewDeviceError("alloc_bo", d.Path(), ErrCodeInvalidParameters,
				fmt.Sprintf("user pointer backing needs host memory, flags %s", flags))
		}
		if uint64(len(userptr)) < size {
			return nil, NewDeviceError("alloc_bo", d.Path(), ErrCodeInvalidParameters,
				fmt.Sprintf("user buffer of %d bytes is smaller than %d", len(userptr), size))
		}
	}

	arg := uapi.Alloc[uapi.AmdxdnaCreateBO]()
	arg.Flags = uint64(flags)
	arg.Size = size
	arg.Type = typ
	if userptr != nil {
		arg.Vaddr = uapi.SliceAddr(userptr)
	}
	err = d.ioctl(uapi.DRM_IOCTL_AMDXDNA_CREATE_BO, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	if err != nil {
		return nil, err
	}

	bo := &BufferObject{
		dev:     d,
		handle:  arg.Handle,
		size:    size,
		flags:   flags,
		typ:     typ,
		userptr: userptr,
	}
	d.refHandle(bo.handle)
	if err := bo.queryInfo(); err != nil {
		bo.closeHandle()
		return nil, err
	}
	d.obs.ObserveBufferAlloc(size, true)
	d.log.Debug("buffer allocated", "handle", bo.handle, "size", size, "flags", flags.String(), "addr", bo.addr)
	return bo, nil
}

// queryInfo fills in the device address and map offset
func (b *BufferObject) queryInfo() error {
	info := uapi.Alloc[uapi.AmdxdnaGetBOInfo]()
	info.Handle = b.handle
	err := b.dev.ioctl(uapi.DRM_IOCTL_AMDXDNA_GET_BO_INFO, unsafe.Pointer(info))
	runtime.KeepAlive(info)
	if err != nil {
		return err
	}
	b.addr = info.XdnaAddr
	b.mapOffset = info.MapOffset
	return nil
}

// Handle returns the kernel handle
func (b *BufferObject) Handle() uint32 {
	return b.handle
}

// Size returns the allocation size in bytes
func (b *BufferObject) Size() uint64 {
	return b.size
}

// Flags returns the allocation flags
func (b *BufferObject) Flags() Flags {
	return b.flags
}

// DeviceAddr returns the address the device sees the buffer at
func (b *BufferObject) DeviceAddr() uint64 {
	return b.addr
}

// Properties returns a description of the buffer
func (b *BufferObject) Properties() BOProperties {
	return BOProperties{
		Handle:     b.handle,
		Flags:      b.flags,
		Size:       b.size,
		DeviceAddr: b.addr,
	}
}

// Map returns a host view of the buffer, valid until Unmap or Free. Repeated
// calls return the same view; asking for write access on a read-only view
// remaps it.
func (b *BufferObject) Map(mode MapMode) ([]byte, error) {
	if b.freed {
		return nil, NewError("map", ErrCodePrecondition, "buffer already freed")
	}
	if b.mapping != nil && (mode <= b.mapMode || b.userptr != nil) {
		return b.mapping, nil
	}
	if b.userptr != nil {
		b.mapping = b.userptr[:b.size:b.size]
		b.mapMode = MapWrite
		return b.mapping, nil
	}
	if b.mapping != nil {
		if err := b.Unmap(); err != nil {
			return nil, err
		}
	}

	prot := kernel.ProtRead
	if mode == MapWrite {
		prot |= kernel.ProtWrite
	}
	m, err := b.dev.pdev.Mmap(b.mapOffset, int(b.size), prot, kernel.MapShared)
	if err != nil {
		e := WrapError("map", err)
		e.Device = b.dev.Path()
		e.Handle = b.handle
		return nil, e
	}
	b.mapping = m
	b.mapMode = mode
	return m, nil
}

// Unmap drops the host view. It is a no-op when nothing is mapped.
func (b *BufferObject) Unmap() error {
	if b.mapping == nil {
		return nil
	}
	m := b.mapping
	b.mapping = nil
	if b.userptr != nil {
		return nil
	}
	if err := b.dev.pdev.Munmap(m); err != nil {
		e := WrapError("unmap", err)
		e.Handle = b.handle
		return e
	}
	return nil
}

// Sync makes [offset, offset+size) coherent in the given direction. A zero
// size covers the rest of the buffer.
func (b *BufferObject) Sync(dir SyncDirection, size, offset uint64) error {
	if b.freed {
		return NewError("sync_bo", ErrCodePrecondition, "buffer already freed")
	}
	if size == 0 && offset < b.size {
		size = b.size - offset
	}
	if offset >= b.size || size > b.size-offset {
		return &Error{
			Op:     "sync_bo",
			Handle: b.handle,
			Code:   ErrCodeInvalidParameters,
			Msg:    fmt.Sprintf("range [%#x, %#x) outside buffer of %#x bytes", offset, offset+size, b.size),
		}
	}

	arg := uapi.Alloc[uapi.AmdxdnaSyncBO]()
	arg.Handle = b.handle
	arg.Direction = uint32(dir)
	arg.Offset = offset
	arg.Size = size
	err := b.dev.ioctl(uapi.DRM_IOCTL_AMDXDNA_SYNC_BO, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	return err
}

// Share exports the buffer as a descriptor another process can import
func (b *BufferObject) Share() (*SharedHandle, error) {
	if b.freed {
		return nil, NewError("share_bo", ErrCodePrecondition, "buffer already freed")
	}
	arg := uapi.Alloc[uapi.DrmPrimeHandle]()
	arg.Handle = b.handle
	arg.Flags = uapi.DRM_RDWR | uapi.DRM_CLOEXEC
	err := b.dev.ioctl(uapi.DRM_IOCTL_PRIME_HANDLE_TO_FD, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	if err != nil {
		return nil, err
	}
	return newSharedHandle(b.dev.kern, int(arg.FD)), nil
}

// SetArgs records the buffers a command references. They are submitted
// together with the command.
func (b *BufferObject) SetArgs(bos ...*BufferObject) {
	b.args = b.args[:0]
	for _, bo := range bos {
		b.args = append(b.args, bo.handle)
	}
}

// ArgHandles returns the recorded argument handles
func (b *BufferObject) ArgHandles() []uint32 {
	return b.args
}

// CmdID returns the sequence number of the last submission of this command
func (b *BufferObject) CmdID() uint64 {
	return b.cmdID
}

// SetCmdID records the sequence number the driver assigned
func (b *BufferObject) SetCmdID(id uint64) {
	b.cmdID = id
}

// Command packet states reported by CmdState
const (
	CmdStateNew       = uapi.ERT_CMD_STATE_NEW
	CmdStateQueued    = uapi.ERT_CMD_STATE_QUEUED
	CmdStateRunning   = uapi.ERT_CMD_STATE_RUNNING
	CmdStateCompleted = uapi.ERT_CMD_STATE_COMPLETED
	CmdStateError     = uapi.ERT_CMD_STATE_ERROR
	CmdStateAbort     = uapi.ERT_CMD_STATE_ABORT
	CmdStateTimeout   = uapi.ERT_CMD_STATE_TIMEOUT
)

// PrepareStartCU writes a start packet for compute unit cu followed by
// payload. The packet is left in the new state, ready for submission.
func (b *BufferObject) PrepareStartCU(cu CUIndex, payload ...uint32) error {
	if !b.flags.IsExecBuf() {
		return NewError("prepare_command", ErrCodePrecondition, "not a command buffer")
	}
	if cu < 0 || cu >= 32 {
		return NewError("prepare_command", ErrCodeInvalidParameters, fmt.Sprintf("compute unit index %d out of range", cu))
	}
	words := 2 + len(payload)
	if uint64(words)*4 > b.size {
		return &Error{Op: "prepare_command", Handle: b.handle, Code: ErrCodeInvalidParameters,
			Msg: fmt.Sprintf("packet of %d words does not fit in %d bytes", words, b.size)}
	}
	m, err := b.Map(MapWrite)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m[0:], uapi.ERTHeader(uapi.ERT_CMD_STATE_NEW, uapi.ERT_START_CU, uint32(words-1)))
	binary.LittleEndian.PutUint32(m[4:], uint32(1)<<uint(cu))
	for i, w := range payload {
		binary.LittleEndian.PutUint32(m[8+4*i:], w)
	}
	return nil
}

// CmdState reads the state field of the command packet header
func (b *BufferObject) CmdState() (uint32, error) {
	if !b.flags.IsExecBuf() {
		return 0, NewError("cmd_state", ErrCodePrecondition, "not a command buffer")
	}
	m, err := b.Map(MapRead)
	if err != nil {
		return 0, err
	}
	return uapi.ERTState(m), nil
}

// Free releases the buffer. Freeing twice is a no-op.
func (b *BufferObject) Free() error {
	if b.freed {
		return nil
	}
	b.freed = true

	err := b.Unmap()
	if b.ctx != nil {
		if b.flags.Use() == UseDebug {
			err = multierr.Append(err, b.ctx.detachDebugBuffer(b))
		}
		b.ctx.forgetBuffer(b)
	} else {
		b.dev.forgetBuffer(b)
	}
	err = multierr.Append(err, b.closeHandle())
	if !b.imported {
		b.dev.obs.ObserveBufferFree(b.size)
	}
	if err != nil {
		b.dev.log.Warn("buffer release incomplete", "handle", b.handle, "err", err)
	}
	return err
}

// closeHandle issues GEM_CLOSE once the last BufferObject on the handle
// lets go of it
func (b *BufferObject) closeHandle() error {
	if !b.dev.unrefHandle(b.handle) {
		return nil
	}
	arg := uapi.Alloc[uapi.DrmGemClose]()
	arg.Handle = b.handle
	err := b.dev.ioctl(uapi.DRM_IOCTL_GEM_CLOSE, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	return err
}
