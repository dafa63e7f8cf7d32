package xdna

import (
	"fmt"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-xdna/internal/constants"
	"github.com/ehrlich-b/go-xdna/internal/logging"
	"github.com/ehrlich-b/go-xdna/internal/uapi"
	"github.com/ehrlich-b/go-xdna/workload"
)

// InvalidSlot is the context handle of a context that is not on the device
const InvalidSlot = uapi.AMDXDNA_INVALID_CTX_HANDLE

// ContextState is the lifecycle stage of a hardware context
type ContextState int

const (
	StateUninitialized ContextState = iota
	StateCreated
	StateConfigured
	StateActive
	StateDestroyed
)

func (s ContextState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ContextAccessMode controls whether other contexts may share the partition
type ContextAccessMode int

const (
	AccessExclusive ContextAccessMode = iota
	AccessSharedPartition
)

func (m ContextAccessMode) String() string {
	switch m {
	case AccessExclusive:
		return "exclusive"
	case AccessSharedPartition:
		return "shared"
	default:
		return fmt.Sprintf("access(%d)", int(m))
	}
}

// ContextOptions are optional construction parameters
type ContextOptions struct {
	// LogBuffer reserves a firmware log buffer sized by partition columns
	LogBuffer bool

	// AccessMode is fixed for the life of the context
	AccessMode ContextAccessMode
}

// QoS holds quality of service requests by name. Recognized keys are gops,
// fps, dma_bandwidth, latency, frame_execution_time and priority; others are
// ignored.
type QoS map[string]uint32

// QoSInfo is the decoded form of QoS handed to the driver
type QoSInfo struct {
	GOPS          uint32
	FPS           uint32
	DMABandwidth  uint32
	Latency       uint32
	FrameExecTime uint32
	Priority      uint32
}

// Info decodes the recognized keys. The second result lists the keys that
// were ignored.
func (q QoS) Info() (QoSInfo, []string) {
	var info QoSInfo
	var ignored []string
	for k, v := range q {
		switch k {
		case "gops":
			info.GOPS = v
		case "fps":
			info.FPS = v
		case "dma_bandwidth":
			info.DMABandwidth = v
		case "latency":
			info.Latency = v
		case "frame_execution_time":
			info.FrameExecTime = v
		case "priority":
			info.Priority = v
		default:
			ignored = append(ignored, k)
		}
	}
	return info, ignored
}

func (i QoSInfo) driverInfo() uapi.AmdxdnaQosInfo {
	return uapi.AmdxdnaQosInfo{
		Gops:          i.GOPS,
		Fps:           i.FPS,
		DmaBandwidth:  i.DMABandwidth,
		Latency:       i.Latency,
		FrameExecTime: i.FrameExecTime,
		Priority:      i.Priority,
	}
}

// CUInfo is one resolved compute unit
type CUInfo struct {
	Name         string
	FunctionalID uint32
	Image        []byte
}

// CUIndex is the ordinal of a compute unit within its context
type CUIndex int

// HwContext is one execution context on the device. It owns its queue,
// the buffers holding the compute unit images, context-scoped buffers and
// the optional log buffer. It is not safe for concurrent use.
type HwContext struct {
	dev  *Device
	pkg  *workload.Package
	opts ContextOptions
	log  *logging.Logger

	slot        uint32
	qos         QoSInfo
	cus         []CUInfo
	opsPerCycle uint32
	columns     uint32
	queue       *HwQueue
	doorbell    uint32
	state       ContextState

	logBuf  *BufferObject
	logMap  []byte
	pdiBufs []*BufferObject
	scoped  map[*BufferObject]struct{}
}

// CreateHwContext creates a context for the loaded package id
func (d *Device) CreateHwContext(id uuid.UUID, qos QoS, opts *ContextOptions) (*HwContext, error) {
	if err := d.checkOpen("create_hw_context"); err != nil {
		return nil, err
	}
	pkg, err := d.packages.GetByUUID(id)
	if err != nil {
		return nil, err
	}
	return d.createHwContext(pkg, qos, opts)
}

// CreateHwContextForSlot creates a context for the package mapped to slot
func (d *Device) CreateHwContextForSlot(slot SlotID, qos QoS, opts *ContextOptions) (*HwContext, error) {
	if err := d.checkOpen("create_hw_context"); err != nil {
		return nil, err
	}
	pkg, err := d.packages.Get(slot)
	if err != nil {
		return nil, err
	}
	return d.createHwContext(pkg, qos, opts)
}

func (d *Device) createHwContext(pkg *workload.Package, qos QoS, opts *ContextOptions) (*HwContext, error) {
	c := &HwContext{
		dev:    d,
		pkg:    pkg,
		slot:   InvalidSlot,
		scoped: make(map[*BufferObject]struct{}),
		log:    d.log.WithComponent("hwctx"),
	}
	if opts != nil {
		c.opts = *opts
	}
	if c.opts.AccessMode != AccessExclusive && c.opts.AccessMode != AccessSharedPartition {
		d.obs.ObserveContextCreate(false)
		return nil, NewError("create_hwctx", ErrCodeInvalidParameters,
			fmt.Sprintf("unknown access mode %s", c.opts.AccessMode))
	}

	info, ignored := qos.Info()
	c.qos = info
	for _, k := range ignored {
		c.log.Debug("ignoring unknown qos key", "key", k)
	}

	if err := c.parseWorkload(pkg); err != nil {
		d.obs.ObserveContextCreate(false)
		return nil, err
	}

	q, err := d.be.newQueue(d)
	if err != nil {
		d.obs.ObserveContextCreate(false)
		return nil, err
	}
	c.queue = q

	if err := c.build(); err != nil {
		if rerr := c.release(); rerr != nil {
			c.log.Warn("partial context release failed", "err", rerr)
		}
		d.obs.ObserveContextCreate(false)
		return nil, err
	}

	d.trackContext(c)
	d.obs.ObserveContextCreate(true)
	c.log.Info("hardware context created", "cus", len(c.cus), "doorbell", c.doorbell,
		"access", c.opts.AccessMode.String(), "generation", d.be.generation().String())
	return c, nil
}

// build runs the construction steps that need undoing on failure
func (c *HwContext) build() error {
	if c.opts.LogBuffer {
		if err := c.initLogBuffer(); err != nil {
			return err
		}
	}
	if err := c.createOnDevice(); err != nil {
		return err
	}
	if err := c.dev.be.configure(c); err != nil {
		return err
	}
	c.state = StateConfigured
	return nil
}

// parseWorkload resolves one compute unit per kernel with an image
func (c *HwContext) parseWorkload(pkg *workload.Package) error {
	c.opsPerCycle = pkg.Partition.OpsPerCycle
	c.columns = pkg.Partition.Columns

	for _, k := range pkg.Kernels {
		img, err := pkg.Partition.ImageFor(k.KernelID)
		if err != nil {
			c.log.Debug("skipping kernel", "kernel", k.Name, "err", err)
			continue
		}
		if len(img) == 0 {
			c.log.Debug("skipping kernel with empty image", "kernel", k.Name, "kernel_id", k.KernelID)
			continue
		}
		c.cus = append(c.cus, CUInfo{
			Name:         k.ComputeUnit(),
			FunctionalID: k.FunctionalID,
			Image:        img,
		})
	}
	if len(c.cus) == 0 {
		return &Error{
			Op:     "parse_workload",
			Device: c.dev.Path(),
			Code:   ErrCodeInvalidParameters,
			Msg:    ErrNoValidWorkload.Msg,
			Errno:  syscall.EINVAL,
		}
	}
	return nil
}

func (c *HwContext) initLogBuffer() error {
	size := uint64(c.columns) * constants.LogBufferBytesPerColumn
	bo, err := c.dev.newBO(size, FlagExecBuf, nil)
	if err != nil {
		return errors.Wrap(err, "allocate log buffer")
	}
	c.logBuf = bo
	m, err := bo.Map(MapWrite)
	if err != nil {
		return err
	}
	clear(m)
	c.logMap = m
	return nil
}

// createOnDevice creates the driver context and binds the queue to it
func (c *HwContext) createOnDevice() error {
	qos := uapi.Alloc[uapi.AmdxdnaQosInfo]()
	*qos = c.qos.driverInfo()

	arg := uapi.Alloc[uapi.AmdxdnaCreateHwctx]()
	arg.QosP = uapi.Addr(qos)
	arg.UmqBO = c.queue.Handle()
	arg.MaxOpc = c.opsPerCycle
	arg.NumTiles = c.columns * constants.TilesPerColumn
	arg.LogBufBO = uapi.AMDXDNA_INVALID_BO_HANDLE
	if c.logBuf != nil {
		arg.LogBufBO = c.logBuf.handle
	}
	err := c.dev.ioctl(uapi.DRM_IOCTL_AMDXDNA_CREATE_HWCTX, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	runtime.KeepAlive(qos)
	if err != nil {
		return err
	}

	c.slot = arg.Handle
	c.doorbell = arg.UmqDoorbell
	c.state = StateCreated
	c.log = c.log.WithContext(c.slot)
	c.queue.bind(c)
	return nil
}

// configureCUs uploads every compute unit image into its own buffer and
// tells the driver which buffer serves which function
func (c *HwContext) configureCUs() error {
	cfgs := make([]uapi.AmdxdnaCUConfig, 0, len(c.cus))
	for _, cu := range c.cus {
		bo, err := c.dev.newBO(uint64(len(cu.Image)), FlagCacheable, nil)
		if err != nil {
			return errors.Wrapf(err, "allocate image buffer for %s", cu.Name)
		}
		c.pdiBufs = append(c.pdiBufs, bo)

		m, err := bo.Map(MapWrite)
		if err != nil {
			return err
		}
		copy(m, cu.Image)
		if err := bo.Sync(SyncToDevice, 0, 0); err != nil {
			return err
		}
		if err := bo.Unmap(); err != nil {
			return err
		}
		cfgs = append(cfgs, uapi.AmdxdnaCUConfig{CUBO: bo.handle, CUFunc: uint8(cu.FunctionalID)})
	}

	payload := uapi.MarshalConfigCU(cfgs)
	arg := uapi.Alloc[uapi.AmdxdnaConfigHwctx]()
	arg.Handle = c.slot
	arg.ParamType = uapi.DRM_AMDXDNA_HWCTX_CONFIG_CU
	arg.ParamVal = uapi.SliceAddr(payload)
	arg.ParamValSize = uint32(len(payload))
	err := c.dev.ioctl(uapi.DRM_IOCTL_AMDXDNA_CONFIG_HWCTX, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	runtime.KeepAlive(payload)
	if err != nil {
		return err
	}
	c.log.Debug("compute units configured", "count", len(cfgs))
	return nil
}

func (c *HwContext) configDebugBuffer(param uint32, bo *BufferObject) error {
	arg := uapi.Alloc[uapi.AmdxdnaConfigHwctx]()
	arg.Handle = c.slot
	arg.ParamType = param
	arg.ParamVal = uint64(bo.handle)
	err := c.dev.ioctl(uapi.DRM_IOCTL_AMDXDNA_CONFIG_HWCTX, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	return err
}

// detachDebugBuffer is called by BufferObject.Free for scoped debug buffers
func (c *HwContext) detachDebugBuffer(bo *BufferObject) error {
	if c.slot == InvalidSlot {
		return nil
	}
	return c.configDebugBuffer(uapi.DRM_AMDXDNA_HWCTX_REMOVE_DBG_BUF, bo)
}

func (c *HwContext) forgetBuffer(bo *BufferObject) {
	delete(c.scoped, bo)
}

func (c *HwContext) markActive() {
	if c.state == StateConfigured {
		c.state = StateActive
	}
}

// AllocBO allocates a buffer. Debug buffers are scoped to this context and
// released with it; everything else is a device-wide allocation.
func (c *HwContext) AllocBO(size uint64, flags Flags) (*BufferObject, error) {
	if c.slot == InvalidSlot {
		return nil, NewError("alloc_bo", ErrCodePrecondition, "context is not on the device")
	}
	if flags.Use() != UseDebug {
		return c.dev.AllocBO(size, flags)
	}

	bo, err := c.dev.newBO(size, flags, nil)
	if err != nil {
		return nil, err
	}
	if err := c.configDebugBuffer(uapi.DRM_AMDXDNA_HWCTX_ASSIGN_DBG_BUF, bo); err != nil {
		bo.closeHandle()
		c.dev.obs.ObserveBufferFree(bo.size)
		return nil, err
	}
	bo.ctx = c
	c.scoped[bo] = struct{}{}
	c.log.Debug("debug buffer assigned", "handle", bo.handle, "size", size)
	return bo, nil
}

// ImportBO imports a buffer exported by process pid
func (c *HwContext) ImportBO(pid, exportHandle int) (*BufferObject, error) {
	return c.dev.ImportBO(pid, exportHandle)
}

// OpenCUContext returns the index of the named compute unit
func (c *HwContext) OpenCUContext(name string) (CUIndex, error) {
	for i, cu := range c.cus {
		if cu.Name == name {
			return CUIndex(i), nil
		}
	}
	return -1, &Error{
		Op:     "open_cu_context",
		Device: c.dev.Path(),
		Handle: c.slot,
		Code:   ErrCodeNotFound,
		Errno:  syscall.ENOENT,
		Msg:    fmt.Sprintf("CU name (%s) not found", name),
	}
}

// CloseCUContext releases a compute unit index. Indexes are not counted, so
// this does nothing.
func (c *HwContext) CloseCUContext(CUIndex) {}

// UpdateQoS is not supported by the driver
func (c *HwContext) UpdateQoS(QoS) error {
	return NewError("update_qos", ErrCodeUnsupported, "updating qos of a live context is not supported")
}

// AccessMode returns the mode the context was created with
func (c *HwContext) AccessMode() ContextAccessMode { return c.opts.AccessMode }

// UpdateAccessMode is not supported by the driver. Asking for the mode the
// context already has succeeds.
func (c *HwContext) UpdateAccessMode(m ContextAccessMode) error {
	if m == c.opts.AccessMode {
		return nil
	}
	return NewError("update_access_mode", ErrCodeUnsupported, "changing access mode of a live context is not supported")
}

// Slot returns the driver context handle, or InvalidSlot
func (c *HwContext) Slot() uint32 { return c.slot }

// Doorbell returns the doorbell offset the driver assigned
func (c *HwContext) Doorbell() uint32 { return c.doorbell }

// State returns the lifecycle stage
func (c *HwContext) State() ContextState { return c.state }

// Queue returns the submission queue
func (c *HwContext) Queue() *HwQueue { return c.queue }

// Device returns the owning device
func (c *HwContext) Device() *Device { return c.dev }

// QoS returns the decoded qos the context was created with
func (c *HwContext) QoS() QoSInfo { return c.qos }

// CUs returns the resolved compute units in index order
func (c *HwContext) CUs() []CUInfo { return c.cus }

// LogBuffer returns the mapped firmware log, or nil without one
func (c *HwContext) LogBuffer() []byte { return c.logMap }

// Close destroys the context on the device. Closing a context that is not
// on the device is a no-op, so Close may be called any number of times.
func (c *HwContext) Close() error {
	if c.slot == InvalidSlot {
		return nil
	}
	return c.release()
}

// release tears down whatever has been built, in dependency order: queue,
// scoped and image buffers, the driver context, then the log buffer.
// Failures are logged and returned together; teardown always completes.
func (c *HwContext) release() error {
	start := time.Now()
	var errs error

	if c.queue != nil {
		c.queue.unbind()
		errs = multierr.Append(errs, c.queue.Close())
		c.queue = nil
	}
	for bo := range c.scoped {
		errs = multierr.Append(errs, bo.Free())
	}
	for _, bo := range c.pdiBufs {
		errs = multierr.Append(errs, bo.Free())
	}
	c.pdiBufs = nil

	if slot := c.slot; slot != InvalidSlot {
		arg := uapi.Alloc[uapi.AmdxdnaDestroyHwctx]()
		arg.Handle = slot
		err := c.dev.ioctl(uapi.DRM_IOCTL_AMDXDNA_DESTROY_HWCTX, unsafe.Pointer(arg))
		runtime.KeepAlive(arg)
		c.slot = InvalidSlot
		if err != nil {
			c.log.Error("hardware context destroy failed", "err", err)
			errs = multierr.Append(errs, err)
		}
	}

	if c.logBuf != nil {
		c.logMap = nil
		errs = multierr.Append(errs, c.logBuf.Free())
		c.logBuf = nil
	}

	// Only contexts that finished construction were counted as created
	wasLive := c.state == StateConfigured || c.state == StateActive
	c.state = StateDestroyed
	c.dev.forgetContext(c)
	if wasLive {
		c.dev.obs.ObserveContextDestroy(uint64(time.Since(start).Nanoseconds()), errs == nil)
		c.log.Info("hardware context destroyed", "ok", errs == nil)
	}
	return errs
}
