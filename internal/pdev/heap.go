package pdev

import (
	"runtime"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

// HeapHooks reserves the device heap that DEV buffers are carved from. The
// heap lives from the first open of the node to the last close.
type HeapHooks struct {
	Size uint64
}

func (h HeapHooks) FirstOpen(d *Device) error {
	arg := uapi.Alloc[uapi.AmdxdnaCreateBO]()
	arg.Type = uapi.AMDXDNA_BO_DEV_HEAP
	arg.Size = h.Size
	err := d.Ioctl(uapi.DRM_IOCTL_AMDXDNA_CREATE_BO, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	if err != nil {
		// Another open of the same node already set the heap up
		if errors.Is(err, syscall.EBUSY) {
			d.log.Debug("device heap already allocated", "size", h.Size)
			return nil
		}
		return errors.Wrap(err, "allocate device heap")
	}
	d.heap = arg.Handle
	d.log.Debug("device heap allocated", "handle", arg.Handle, "size", h.Size)
	return nil
}

func (h HeapHooks) LastClose(d *Device) {
	if d.heap == uapi.AMDXDNA_INVALID_BO_HANDLE {
		return
	}
	arg := uapi.Alloc[uapi.DrmGemClose]()
	arg.Handle = d.heap
	if err := d.Ioctl(uapi.DRM_IOCTL_GEM_CLOSE, unsafe.Pointer(arg)); err != nil {
		d.log.Warn("device heap release failed", "handle", d.heap, "err", err)
	}
	runtime.KeepAlive(arg)
	d.heap = uapi.AMDXDNA_INVALID_BO_HANDLE
}
