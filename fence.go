package xdna

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-xdna/internal/kernel"
	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

// AccessMode describes who a fence is meant to be visible to
type AccessMode int

const (
	AccessLocal AccessMode = iota
	AccessShared
	AccessProcess
	AccessHybrid
)

func (m AccessMode) String() string {
	switch m {
	case AccessLocal:
		return "local"
	case AccessShared:
		return "shared"
	case AccessProcess:
		return "process"
	case AccessHybrid:
		return "hybrid"
	}
	return fmt.Sprintf("access(%d)", int(m))
}

// initialFenceState is the timeline point of a fresh sync object
const initialFenceState = 0

// Fence is a handle to a timeline sync object. Each handle keeps its own
// view of the timeline: a handle is used either for waiting or for
// signaling, and every wait or signal moves it to the next point.
type Fence struct {
	dev      *Device
	syncobj  uint32
	mode     AccessMode
	imported *SharedHandle

	mu       sync.Mutex
	state    uint64
	signaled bool
	closed   bool
}

// CreateFence creates a new sync object
func (d *Device) CreateFence(mode AccessMode) (*Fence, error) {
	if err := d.checkOpen("create_fence"); err != nil {
		return nil, err
	}
	arg := uapi.Alloc[uapi.DrmSyncobjCreate]()
	err := d.ioctl(uapi.DRM_IOCTL_SYNCOBJ_CREATE, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	if err != nil {
		return nil, err
	}
	f := &Fence{dev: d, syncobj: arg.Handle, mode: mode}
	d.trackFence(f)
	d.log.Debug("fence created", "syncobj", f.syncobj, "mode", mode.String())
	return f, nil
}

// ImportFence opens a fence exported by process pid. Pass the local pid (or
// 0) for a handle exported by this process.
func (d *Device) ImportFence(pid, exportHandle int) (*Fence, error) {
	if err := d.checkOpen("import_fence"); err != nil {
		return nil, err
	}
	fd, owned, err := d.importFD(pid, exportHandle)
	if err != nil {
		return nil, err
	}
	h, err := d.syncobjFromFD(fd)
	if err != nil {
		if owned {
			d.kern.Close(fd)
		}
		return nil, err
	}

	f := &Fence{dev: d, syncobj: h, mode: AccessShared}
	if owned {
		f.mode = AccessProcess
		f.imported = newSharedHandle(d.kern, fd)
	}
	d.trackFence(f)
	d.log.Debug("fence imported", "syncobj", h, "pid", pid, "export_handle", exportHandle)
	return f, nil
}

func (d *Device) syncobjFromFD(fd int) (uint32, error) {
	arg := uapi.Alloc[uapi.DrmSyncobjHandle]()
	arg.FD = int32(fd)
	err := d.ioctl(uapi.DRM_IOCTL_SYNCOBJ_FD_TO_HANDLE, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	if err != nil {
		return 0, err
	}
	return arg.Handle, nil
}

// Handle returns the kernel sync object handle
func (f *Fence) Handle() uint32 {
	return f.syncobj
}

// Mode returns the access mode the fence was created with
func (f *Fence) Mode() AccessMode {
	return f.mode
}

// State returns the last point this handle waited for or signaled
func (f *Fence) State() (state uint64, signaled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.signaled
}

// NextState returns the point the next wait or signal will use
func (f *Fence) NextState() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state + 1
}

// WaitNextState advances to and returns the next point to wait for
func (f *Fence) WaitNextState() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != initialFenceState && f.signaled {
		return 0, &Error{Op: "fence_wait", Handle: f.syncobj, Code: ErrCodePrecondition,
			Msg: "can't wait on fence that has been signaled before"}
	}
	f.state++
	return f.state, nil
}

// SignalNextState advances to and returns the next point to signal
func (f *Fence) SignalNextState() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != initialFenceState && !f.signaled {
		return 0, &Error{Op: "fence_signal", Handle: f.syncobj, Code: ErrCodePrecondition,
			Msg: "can't signal fence that has been waited before"}
	}
	if f.state == initialFenceState {
		f.signaled = true
	}
	f.state++
	return f.state, nil
}

// rewind steps the fence back from point p when the submission that was to
// use it never reached the driver. A fence that has moved on is left alone.
func (f *Fence) rewind(p uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != p {
		return
	}
	f.state--
	if f.state == initialFenceState {
		f.signaled = false
	}
}

// Wait blocks until the next point is signaled. A zero timeout waits
// forever.
func (f *Fence) Wait(timeoutMs uint32) error {
	if err := f.checkOpen("fence_wait"); err != nil {
		return err
	}
	point, err := f.WaitNextState()
	if err != nil {
		return err
	}

	deadline := int64(math.MaxInt64)
	if timeoutMs != 0 {
		deadline = kernel.Monotonic() + int64(timeoutMs)*int64(time.Millisecond)
	}
	handles := uapi.Slice[uint32](1)
	handles[0] = f.syncobj
	points := uapi.Slice[uint64](1)
	points[0] = point

	arg := uapi.Alloc[uapi.DrmSyncobjTimelineWait]()
	arg.Handles = uapi.SliceAddr(handles)
	arg.Points = uapi.SliceAddr(points)
	arg.TimeoutNsec = deadline
	arg.CountHandles = 1
	arg.Flags = uapi.DRM_SYNCOBJ_WAIT_FLAGS_WAIT_ALL | uapi.DRM_SYNCOBJ_WAIT_FLAGS_WAIT_FOR_SUBMIT

	start := time.Now()
	err = f.dev.ioctl(uapi.DRM_IOCTL_SYNCOBJ_TIMELINE_WAIT, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	runtime.KeepAlive(handles)
	runtime.KeepAlive(points)
	f.dev.obs.ObserveFenceWait(uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		if IsCode(err, ErrCodeTimeout) {
			return &Error{Op: "fence_wait", Handle: f.syncobj, Code: ErrCodeTimeout,
				Msg: fmt.Sprintf("timed out after %dms waiting for point %d", timeoutMs, point), Inner: err}
		}
		return err
	}
	return nil
}

// Signal signals the next point
func (f *Fence) Signal() error {
	if err := f.checkOpen("fence_signal"); err != nil {
		return err
	}
	point, err := f.SignalNextState()
	if err != nil {
		return err
	}

	handles := uapi.Slice[uint32](1)
	handles[0] = f.syncobj
	points := uapi.Slice[uint64](1)
	points[0] = point

	arg := uapi.Alloc[uapi.DrmSyncobjTimelineArray]()
	arg.Handles = uapi.SliceAddr(handles)
	arg.Points = uapi.SliceAddr(points)
	arg.CountHandles = 1
	err = f.dev.ioctl(uapi.DRM_IOCTL_SYNCOBJ_TIMELINE_SIGNAL, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	runtime.KeepAlive(handles)
	runtime.KeepAlive(points)
	f.dev.obs.ObserveFenceSignal(err == nil)
	return err
}

// ShareHandle exports the sync object as a descriptor
func (f *Fence) ShareHandle() (*SharedHandle, error) {
	if err := f.checkOpen("fence_share"); err != nil {
		return nil, err
	}
	arg := uapi.Alloc[uapi.DrmSyncobjHandle]()
	arg.Handle = f.syncobj
	err := f.dev.ioctl(uapi.DRM_IOCTL_SYNCOBJ_HANDLE_TO_FD, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	if err != nil {
		return nil, err
	}
	return newSharedHandle(f.dev.kern, int(arg.FD)), nil
}

// Clone opens a second, independent handle to the same sync object. The
// clone starts from this handle's current state.
func (f *Fence) Clone() (*Fence, error) {
	sh, err := f.ShareHandle()
	if err != nil {
		return nil, err
	}
	h, err := f.dev.syncobjFromFD(sh.ExportHandle())
	if err != nil {
		sh.Close()
		return nil, err
	}

	f.mu.Lock()
	c := &Fence{
		dev:      f.dev,
		syncobj:  h,
		mode:     f.mode,
		imported: sh,
		state:    f.state,
		signaled: f.signaled,
	}
	f.mu.Unlock()
	f.dev.trackFence(c)
	return c, nil
}

// SubmitWait makes q wait for the next point before running later commands
func (f *Fence) SubmitWait(q *HwQueue) error {
	return q.SubmitWait(f)
}

// SubmitSignal makes q signal the next point once earlier commands finish
func (f *Fence) SubmitSignal(q *HwQueue) error {
	return q.SubmitSignal(f)
}

// SubmitWaitAll enqueues one device-side wait covering every fence
func SubmitWaitAll(q *HwQueue, fences []*Fence) error {
	return q.SubmitWait(fences...)
}

func (f *Fence) checkOpen(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &Error{Op: op, Handle: f.syncobj, Code: ErrCodePrecondition, Msg: "fence is closed"}
	}
	return nil
}

// Close destroys this handle and closes the descriptor it was imported
// from. Closing twice is a no-op.
func (f *Fence) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	arg := uapi.Alloc[uapi.DrmSyncobjDestroy]()
	arg.Handle = f.syncobj
	err := f.dev.ioctl(uapi.DRM_IOCTL_SYNCOBJ_DESTROY, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	if err != nil {
		f.dev.log.Warn("fence destroy failed", "syncobj", f.syncobj, "err", err)
	}
	if f.imported != nil {
		err = multierr.Append(err, f.imported.Close())
	}
	f.dev.forgetFence(f)
	return err
}
