package xdna

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-xdna/internal/kernel"
	"github.com/ehrlich-b/go-xdna/internal/logging"
	"github.com/ehrlich-b/go-xdna/internal/pdev"
	"github.com/ehrlich-b/go-xdna/internal/uapi"
	"github.com/ehrlich-b/go-xdna/workload"
)

// DeviceID is the index of a physical device on the platform
type DeviceID uint32

// ptraceAdvice is appended when the kernel refuses to duplicate a
// descriptor out of another process
const ptraceAdvice = "pidfd_getfd failed, check that ptrace access mode allows " +
	"PTRACE_MODE_ATTACH_REALCREDS.  For more details please check /etc/sysctl.d/10-ptrace.conf"

// Device is a process's view of one physical device. It tracks every
// buffer, fence and context created through it and releases whatever is
// left when its session closes.
type Device struct {
	id       DeviceID
	handle   Handle
	pdev     *pdev.Device
	kern     kernel.Kernel
	be       backend
	packages *PackageTable
	log      *logging.Logger
	obs      Observer

	mu       sync.Mutex
	buffers  map[*BufferObject]struct{}
	contexts map[*HwContext]struct{}
	fences   map[*Fence]struct{}
	closed   bool

	// gemRefs counts the BufferObjects sharing each driver handle. Importing
	// a buffer this file already knows returns the handle it has.
	gemRefs map[uint32]int
}

// newDevice takes a reference on pd. The device is unusable if that fails.
func newDevice(id DeviceID, handle Handle, pd *pdev.Device, be backend, log *logging.Logger, obs Observer) (*Device, error) {
	if err := pd.Open(); err != nil {
		e := WrapError("open_device", err)
		e.Device = pd.Path()
		return nil, e
	}
	d := &Device{
		id:       id,
		handle:   handle,
		pdev:     pd,
		kern:     pd.Kernel(),
		be:       be,
		packages: NewPackageTable(),
		log:      log.WithDevice(int(id)),
		obs:      obs,
		buffers:  make(map[*BufferObject]struct{}),
		contexts: make(map[*HwContext]struct{}),
		fences:   make(map[*Fence]struct{}),
		gemRefs:  make(map[uint32]int),
	}
	d.log.Debug("logical device created", "path", pd.Path(), "generation", be.generation().String())
	return d, nil
}

// ID returns the platform index of the device
func (d *Device) ID() DeviceID { return d.id }

// Handle returns the registry handle the device was opened under
func (d *Device) Handle() Handle { return d.handle }

// Generation returns how the device queues work
func (d *Device) Generation() Generation { return d.be.generation() }

// Path returns the device node path
func (d *Device) Path() string { return d.pdev.Path() }

// Packages returns the table of loaded workload packages
func (d *Device) Packages() *PackageTable { return d.packages }

// LoadPackage records a workload package so contexts can be created for it
func (d *Device) LoadPackage(pkg *workload.Package) error {
	if err := d.checkOpen("load_package"); err != nil {
		return err
	}
	if err := d.packages.Load(pkg); err != nil {
		return err
	}
	d.log.Info("package loaded", "uuid", pkg.UUID.String(), "name", pkg.Name, "kernels", len(pkg.Kernels))
	return nil
}

// ioctl dispatches through the physical device and converts failures into
// structured errors
func (d *Device) ioctl(cmd uint, arg unsafe.Pointer) error {
	if err := d.pdev.Ioctl(cmd, arg); err != nil {
		e := WrapError("", err)
		e.Device = d.Path()
		return e
	}
	return nil
}

func (d *Device) checkOpen(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return &Error{Op: op, Device: d.Path(), Code: ErrSessionClosed.Code, Msg: ErrSessionClosed.Msg}
	}
	return nil
}

func (d *Device) trackBuffer(bo *BufferObject) {
	d.mu.Lock()
	d.buffers[bo] = struct{}{}
	d.mu.Unlock()
}

// forgetBuffer tolerates buffers that were never tracked
func (d *Device) forgetBuffer(bo *BufferObject) {
	d.mu.Lock()
	delete(d.buffers, bo)
	d.mu.Unlock()
}

// refHandle records one more BufferObject on handle h and reports whether
// it is the first
func (d *Device) refHandle(h uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gemRefs[h]++
	return d.gemRefs[h] == 1
}

// unrefHandle drops one reference and reports whether it was the last
func (d *Device) unrefHandle(h uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.gemRefs[h]
	if !ok {
		return true
	}
	if n <= 1 {
		delete(d.gemRefs, h)
		return true
	}
	d.gemRefs[h] = n - 1
	return false
}

func (d *Device) trackFence(f *Fence) {
	d.mu.Lock()
	d.fences[f] = struct{}{}
	d.mu.Unlock()
}

func (d *Device) forgetFence(f *Fence) {
	d.mu.Lock()
	delete(d.fences, f)
	d.mu.Unlock()
}

func (d *Device) trackContext(c *HwContext) {
	d.mu.Lock()
	d.contexts[c] = struct{}{}
	d.mu.Unlock()
}

func (d *Device) forgetContext(c *HwContext) {
	d.mu.Lock()
	delete(d.contexts, c)
	d.mu.Unlock()
}

// AllocBO allocates a device-wide buffer
func (d *Device) AllocBO(size uint64, flags Flags) (*BufferObject, error) {
	return d.allocTracked(size, flags, nil)
}

// AllocUserPtrBO wraps host memory the caller already owns. buf must stay
// alive and unmoved until the buffer is freed.
func (d *Device) AllocUserPtrBO(buf []byte, flags Flags) (*BufferObject, error) {
	if len(buf) == 0 {
		return nil, NewDeviceError("alloc_bo", d.Path(), ErrCodeInvalidParameters, "empty user buffer")
	}
	return d.allocTracked(uint64(len(buf)), flags, buf)
}

func (d *Device) allocTracked(size uint64, flags Flags, userptr []byte) (*BufferObject, error) {
	if err := d.checkOpen("alloc_bo"); err != nil {
		return nil, err
	}
	bo, err := d.newBO(size, flags, userptr)
	if err != nil {
		d.obs.ObserveBufferAlloc(size, false)
		return nil, err
	}
	d.trackBuffer(bo)
	return bo, nil
}

// ImportBO opens a buffer exported by process pid. Pass the local pid (or
// 0) for a handle exported by this process.
func (d *Device) ImportBO(pid, exportHandle int) (*BufferObject, error) {
	if err := d.checkOpen("import_bo"); err != nil {
		return nil, err
	}
	fd, owned, err := d.importFD(pid, exportHandle)
	if err != nil {
		return nil, err
	}
	if owned {
		// The handle holds its own reference to the buffer
		defer d.kern.Close(fd)
	}

	size, err := d.kern.Seek(fd, 0, kernel.SeekEnd)
	if err != nil {
		e := WrapError("import_bo", err)
		e.Device = d.Path()
		return nil, e
	}

	arg := uapi.Alloc[uapi.DrmPrimeHandle]()
	arg.FD = int32(fd)
	err = d.ioctl(uapi.DRM_IOCTL_PRIME_FD_TO_HANDLE, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	if err != nil {
		return nil, err
	}

	bo := &BufferObject{
		dev:      d,
		handle:   arg.Handle,
		size:     uint64(size),
		flags:    FlagNone,
		typ:      uapi.AMDXDNA_BO_SHMEM,
		imported: true,
	}
	shared := !d.refHandle(bo.handle)
	if err := bo.queryInfo(); err != nil {
		bo.closeHandle()
		return nil, err
	}
	d.trackBuffer(bo)
	d.log.Debug("buffer imported", "handle", bo.handle, "size", bo.size, "pid", pid,
		"export_handle", exportHandle, "shared", shared)
	return bo, nil
}

// importFD turns an export handle of process pid into a descriptor of this
// process. owned reports whether the caller must close it.
func (d *Device) importFD(pid, h int) (fd int, owned bool, err error) {
	if pid == 0 || pid == d.kern.Getpid() {
		return h, false, nil
	}

	pidfd, err := d.kern.PidfdOpen(pid)
	if err != nil {
		return -1, false, d.importError("pidfd_open", pid, err)
	}
	defer d.kern.Close(pidfd)

	fd, err = d.kern.PidfdGetfd(pidfd, h)
	if err != nil {
		return -1, false, d.importError("pidfd_getfd", pid, err)
	}
	return fd, true, nil
}

func (d *Device) importError(op string, pid int, err error) error {
	var errno syscall.Errno
	errors.As(err, &errno)

	e := &Error{Op: op, Device: d.Path(), Errno: errno, Inner: err}
	switch errno {
	case syscall.ENOSYS:
		e.Code = ErrCodeUnsupported
		e.Msg = "importing from a different process requires 'pidfd' kernel support"
	case syscall.EPERM:
		e.Code = ErrCodePermissionDenied
		e.Msg = ptraceAdvice
	default:
		e.Code = mapErrnoToCode(errno)
		e.Msg = fmt.Sprintf("%s failed for pid %d: %v", op, pid, err)
	}
	d.log.Warn("cross-process import failed", "pid", pid, "op", op, "err", err)
	return e
}

// QueryAIEVersion returns the AIE architecture version
func (d *Device) QueryAIEVersion() (major, minor uint32, err error) {
	v := uapi.Alloc[uapi.AmdxdnaQueryAIEVersion]()
	if err := d.getInfo(uapi.DRM_AMDXDNA_QUERY_AIE_VERSION, unsafe.Pointer(v), uint32(unsafe.Sizeof(*v))); err != nil {
		return 0, 0, err
	}
	return v.Major, v.Minor, nil
}

// AIEMetadata describes the tile array
type AIEMetadata struct {
	Columns    uint16
	Rows       uint16
	ColumnSize uint32
	Major      uint32
	Minor      uint32
}

// Metadata returns the tile array geometry
func (d *Device) Metadata() (AIEMetadata, error) {
	m := uapi.Alloc[uapi.AmdxdnaQueryAIEMetadata]()
	if err := d.getInfo(uapi.DRM_AMDXDNA_QUERY_AIE_METADATA, unsafe.Pointer(m), uint32(unsafe.Sizeof(*m))); err != nil {
		return AIEMetadata{}, err
	}
	return AIEMetadata{
		Columns:    m.Cols,
		Rows:       m.Rows,
		ColumnSize: m.ColSize,
		Major:      m.Version.Major,
		Minor:      m.Version.Minor,
	}, nil
}

// ReadAIEMem reads size bytes of tile memory at (col, row, offset)
func (d *Device) ReadAIEMem(col, row, offset, size uint32) ([]byte, error) {
	buf := uapi.Slice[byte](int(size))
	mem := uapi.Alloc[uapi.AmdxdnaAIEMem]()
	mem.Col = col
	mem.Row = row
	mem.Addr = offset
	mem.Size = size
	mem.BufP = uapi.SliceAddr(buf)
	err := d.getInfo(uapi.DRM_AMDXDNA_READ_AIE_MEM, unsafe.Pointer(mem), uint32(unsafe.Sizeof(*mem)))
	runtime.KeepAlive(buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, buf)
	return out, nil
}

// WriteAIEMem writes buf to tile memory at (col, row, offset)
func (d *Device) WriteAIEMem(col, row, offset uint32, buf []byte) error {
	if len(buf) == 0 {
		return NewDeviceError("write_aie_mem", d.Path(), ErrCodeInvalidParameters, "empty buffer")
	}
	pinned := uapi.Slice[byte](len(buf))
	copy(pinned, buf)
	mem := uapi.Alloc[uapi.AmdxdnaAIEMem]()
	mem.Col = col
	mem.Row = row
	mem.Addr = offset
	mem.Size = uint32(len(buf))
	mem.BufP = uapi.SliceAddr(pinned)
	err := d.setState(uapi.DRM_AMDXDNA_WRITE_AIE_MEM, unsafe.Pointer(mem), uint32(unsafe.Sizeof(*mem)))
	runtime.KeepAlive(pinned)
	return err
}

// ReadAIEReg reads one tile register
func (d *Device) ReadAIEReg(col, row, addr uint32) (uint32, error) {
	reg := uapi.Alloc[uapi.AmdxdnaAIEReg]()
	reg.Col = col
	reg.Row = row
	reg.Addr = addr
	if err := d.getInfo(uapi.DRM_AMDXDNA_READ_AIE_REG, unsafe.Pointer(reg), uint32(unsafe.Sizeof(*reg))); err != nil {
		return 0, err
	}
	return reg.Val, nil
}

// WriteAIEReg writes one tile register
func (d *Device) WriteAIEReg(col, row, addr, val uint32) error {
	reg := uapi.Alloc[uapi.AmdxdnaAIEReg]()
	reg.Col = col
	reg.Row = row
	reg.Addr = addr
	reg.Val = val
	return d.setState(uapi.DRM_AMDXDNA_WRITE_AIE_REG, unsafe.Pointer(reg), uint32(unsafe.Sizeof(*reg)))
}

func (d *Device) getInfo(param uint32, buf unsafe.Pointer, size uint32) error {
	arg := uapi.Alloc[uapi.AmdxdnaGetInfo]()
	arg.Param = param
	arg.BufferSize = size
	arg.Buffer = uint64(uintptr(buf))
	err := d.ioctl(uapi.DRM_IOCTL_AMDXDNA_GET_INFO, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	runtime.KeepAlive(buf)
	return err
}

func (d *Device) setState(param uint32, buf unsafe.Pointer, size uint32) error {
	arg := uapi.Alloc[uapi.AmdxdnaSetState]()
	arg.Param = param
	arg.BufferSize = size
	arg.Buffer = uint64(uintptr(buf))
	err := d.ioctl(uapi.DRM_IOCTL_AMDXDNA_SET_STATE, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	runtime.KeepAlive(buf)
	return err
}

// close releases everything still tracked, contexts first since they hold
// buffers and queues, then drops the physical device reference
func (d *Device) close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	contexts := make([]*HwContext, 0, len(d.contexts))
	for c := range d.contexts {
		contexts = append(contexts, c)
	}
	d.mu.Unlock()

	var errs error
	for _, c := range contexts {
		errs = multierr.Append(errs, c.Close())
	}

	d.mu.Lock()
	fences := make([]*Fence, 0, len(d.fences))
	for f := range d.fences {
		fences = append(fences, f)
	}
	buffers := make([]*BufferObject, 0, len(d.buffers))
	for bo := range d.buffers {
		buffers = append(buffers, bo)
	}
	d.mu.Unlock()

	for _, f := range fences {
		errs = multierr.Append(errs, f.Close())
	}
	for _, bo := range buffers {
		errs = multierr.Append(errs, bo.Free())
	}

	if err := d.pdev.Close(); err != nil {
		errs = multierr.Append(errs, WrapError("close_device", err))
	}
	if errs != nil {
		d.log.Error("device teardown incomplete", "err", errs)
	}
	d.log.Debug("logical device closed", "contexts", len(contexts), "fences", len(fences), "buffers", len(buffers))
	return errs
}
