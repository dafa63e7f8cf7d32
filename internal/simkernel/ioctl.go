package simkernel

import (
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-xdna/internal/kernel"
	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

func (d *Driver) dispatchLocked(df *deviceFile, req uint, arg unsafe.Pointer) error {
	if arg == nil {
		return unix.EFAULT
	}
	switch req {
	case uapi.DRM_IOCTL_AMDXDNA_CREATE_BO:
		return d.createBOLocked(df, (*uapi.AmdxdnaCreateBO)(arg))
	case uapi.DRM_IOCTL_AMDXDNA_GET_BO_INFO:
		return d.getBOInfoLocked(df, (*uapi.AmdxdnaGetBOInfo)(arg))
	case uapi.DRM_IOCTL_AMDXDNA_SYNC_BO:
		return d.syncBOLocked(df, (*uapi.AmdxdnaSyncBO)(arg))
	case uapi.DRM_IOCTL_GEM_CLOSE:
		return d.gemCloseLocked(df, (*uapi.DrmGemClose)(arg))
	case uapi.DRM_IOCTL_PRIME_HANDLE_TO_FD:
		return d.primeExportLocked(df, (*uapi.DrmPrimeHandle)(arg))
	case uapi.DRM_IOCTL_PRIME_FD_TO_HANDLE:
		return d.primeImportLocked(df, (*uapi.DrmPrimeHandle)(arg))
	case uapi.DRM_IOCTL_SYNCOBJ_CREATE:
		return d.syncobjCreateLocked(df, (*uapi.DrmSyncobjCreate)(arg))
	case uapi.DRM_IOCTL_SYNCOBJ_DESTROY:
		return d.syncobjDestroyLocked(df, (*uapi.DrmSyncobjDestroy)(arg))
	case uapi.DRM_IOCTL_SYNCOBJ_HANDLE_TO_FD:
		return d.syncobjExportLocked(df, (*uapi.DrmSyncobjHandle)(arg))
	case uapi.DRM_IOCTL_SYNCOBJ_FD_TO_HANDLE:
		return d.syncobjImportLocked(df, (*uapi.DrmSyncobjHandle)(arg))
	case uapi.DRM_IOCTL_SYNCOBJ_TIMELINE_SIGNAL:
		return d.timelineSignalLocked(df, (*uapi.DrmSyncobjTimelineArray)(arg))
	case uapi.DRM_IOCTL_SYNCOBJ_QUERY:
		return d.timelineQueryLocked(df, (*uapi.DrmSyncobjTimelineArray)(arg))
	case uapi.DRM_IOCTL_SYNCOBJ_TIMELINE_WAIT:
		return d.timelineWaitLocked(df, (*uapi.DrmSyncobjTimelineWait)(arg))
	case uapi.DRM_IOCTL_AMDXDNA_CREATE_HWCTX:
		return d.createHwctxLocked(df, (*uapi.AmdxdnaCreateHwctx)(arg))
	case uapi.DRM_IOCTL_AMDXDNA_DESTROY_HWCTX:
		return d.destroyHwctxLocked(df, (*uapi.AmdxdnaDestroyHwctx)(arg))
	case uapi.DRM_IOCTL_AMDXDNA_CONFIG_HWCTX:
		return d.configHwctxLocked(df, (*uapi.AmdxdnaConfigHwctx)(arg))
	case uapi.DRM_IOCTL_AMDXDNA_EXEC_CMD:
		return d.execCmdLocked(df, (*uapi.AmdxdnaExecCmd)(arg))
	case uapi.DRM_IOCTL_AMDXDNA_WAIT_CMD:
		return d.waitCmdLocked(df, (*uapi.AmdxdnaWaitCmd)(arg))
	case uapi.DRM_IOCTL_AMDXDNA_GET_INFO:
		return d.getInfoLocked((*uapi.AmdxdnaGetInfo)(arg))
	case uapi.DRM_IOCTL_AMDXDNA_SET_STATE:
		return d.setStateLocked((*uapi.AmdxdnaSetState)(arg))
	}
	return unix.ENOTTY
}

func (d *Driver) createBOLocked(df *deviceFile, arg *uapi.AmdxdnaCreateBO) error {
	if arg.Size == 0 || !isBufferType(arg.Type) {
		return unix.EINVAL
	}

	if arg.Vaddr != 0 && arg.Type != uapi.AMDXDNA_BO_SHMEM {
		return unix.EINVAL
	}

	bo := &bufferObject{typ: arg.Type, flags: arg.Flags, refs: 1}
	switch arg.Type {
	case uapi.AMDXDNA_BO_DEV_HEAP:
		// The heap only reserves device address space; carved-out DEV
		// buffers get their own backing below.
		if df.heap != nil {
			return unix.EBUSY
		}
		df.heap = bo
		df.heapSize = arg.Size
		d.stats.HeapAllocations++
	case uapi.AMDXDNA_BO_DEV:
		if df.heap == nil {
			return unix.EINVAL
		}
		if df.heapUsed+arg.Size > df.heapSize {
			return unix.ENOMEM
		}
		df.heapUsed += arg.Size
		bo.heapOwner = df
	}

	switch {
	case arg.Vaddr != 0:
		bo.userptr = arg.Vaddr
		bo.data = uapi.SliceAt[byte](arg.Vaddr, int(arg.Size))
	case arg.Type != uapi.AMDXDNA_BO_DEV_HEAP:
		bo.data = make([]byte, arg.Size)
	}
	bo.addr = d.allocAddrLocked(arg.Size)
	bo.mapOffset = d.allocOffsetLocked(arg.Size)

	arg.Handle = df.addBuffer(bo)
	d.stats.LiveBuffers++
	return nil
}

func (d *Driver) getBOInfoLocked(df *deviceFile, arg *uapi.AmdxdnaGetBOInfo) error {
	bo, ok := df.bos[arg.Handle]
	if !ok {
		return unix.ENOENT
	}
	arg.MapOffset = bo.mapOffset
	arg.Vaddr = bo.userptr
	arg.XdnaAddr = bo.addr
	return nil
}

func (d *Driver) syncBOLocked(df *deviceFile, arg *uapi.AmdxdnaSyncBO) error {
	bo, ok := df.bos[arg.Handle]
	if !ok {
		return unix.ENOENT
	}
	if arg.Direction != uapi.SYNC_DIRECT_TO_DEVICE && arg.Direction != uapi.SYNC_DIRECT_FROM_DEVICE {
		return unix.EINVAL
	}
	if arg.Offset+arg.Size > uint64(len(bo.data)) || arg.Offset+arg.Size < arg.Offset {
		return unix.EINVAL
	}
	d.stats.Syncs++
	return nil
}

func (d *Driver) gemCloseLocked(df *deviceFile, arg *uapi.DrmGemClose) error {
	bo, ok := df.bos[arg.Handle]
	if !ok {
		return unix.EINVAL
	}
	delete(df.bos, arg.Handle)
	if bo == df.heap {
		df.heap = nil
	}
	d.unrefBufferLocked(bo)
	return nil
}

func (d *Driver) primeExportLocked(df *deviceFile, arg *uapi.DrmPrimeHandle) error {
	bo, ok := df.bos[arg.Handle]
	if !ok {
		return unix.ENOENT
	}
	bo.refs++
	arg.FD = int32(df.proc.installLocked(&file{kind: fileDmabuf, bo: bo}))
	return nil
}

func (d *Driver) primeImportLocked(df *deviceFile, arg *uapi.DrmPrimeHandle) error {
	f, ok := df.proc.fds[int(arg.FD)]
	if !ok {
		return unix.EBADF
	}
	if f.kind != fileDmabuf {
		return unix.EINVAL
	}
	// A buffer the file already has a handle for resolves to that handle
	if h, ok := df.handleOf(f.bo); ok {
		arg.Handle = h
		return nil
	}
	f.bo.refs++
	arg.Handle = df.addBuffer(f.bo)
	return nil
}

func (d *Driver) syncobjCreateLocked(df *deviceFile, arg *uapi.DrmSyncobjCreate) error {
	so := &syncObject{refs: 1}
	arg.Handle = df.addSyncobj(so)
	d.stats.LiveSyncobjs++
	return nil
}

func (d *Driver) syncobjDestroyLocked(df *deviceFile, arg *uapi.DrmSyncobjDestroy) error {
	so, ok := df.syncobjs[arg.Handle]
	if !ok {
		return unix.EINVAL
	}
	delete(df.syncobjs, arg.Handle)
	d.unrefSyncobjLocked(so)
	return nil
}

func (d *Driver) syncobjExportLocked(df *deviceFile, arg *uapi.DrmSyncobjHandle) error {
	so, ok := df.syncobjs[arg.Handle]
	if !ok {
		return unix.ENOENT
	}
	so.refs++
	arg.FD = int32(df.proc.installLocked(&file{kind: fileSyncobj, sync: so}))
	return nil
}

func (d *Driver) syncobjImportLocked(df *deviceFile, arg *uapi.DrmSyncobjHandle) error {
	f, ok := df.proc.fds[int(arg.FD)]
	if !ok {
		return unix.EBADF
	}
	if f.kind != fileSyncobj {
		return unix.EINVAL
	}
	f.sync.refs++
	arg.Handle = df.addSyncobj(f.sync)
	return nil
}

func (d *Driver) lookupSyncobjsLocked(df *deviceFile, handles []uint32) ([]*syncObject, error) {
	objs := make([]*syncObject, len(handles))
	for i, h := range handles {
		so, ok := df.syncobjs[h]
		if !ok {
			return nil, unix.ENOENT
		}
		objs[i] = so
	}
	return objs, nil
}

func (d *Driver) timelineSignalLocked(df *deviceFile, arg *uapi.DrmSyncobjTimelineArray) error {
	n := int(arg.CountHandles)
	if n == 0 {
		return unix.EINVAL
	}
	objs, err := d.lookupSyncobjsLocked(df, uapi.SliceAt[uint32](arg.Handles, n))
	if err != nil {
		return err
	}
	points := uapi.SliceAt[uint64](arg.Points, n)
	for i, so := range objs {
		p := uint64(1)
		if points != nil {
			p = points[i]
		}
		if p > so.point {
			so.point = p
		}
	}
	d.advanceAllLocked()
	d.broadcastLocked()
	return nil
}

func (d *Driver) timelineQueryLocked(df *deviceFile, arg *uapi.DrmSyncobjTimelineArray) error {
	n := int(arg.CountHandles)
	objs, err := d.lookupSyncobjsLocked(df, uapi.SliceAt[uint32](arg.Handles, n))
	if err != nil {
		return err
	}
	points := uapi.SliceAt[uint64](arg.Points, n)
	if len(points) != len(objs) {
		return unix.EFAULT
	}
	for i, so := range objs {
		points[i] = so.point
	}
	return nil
}

func (d *Driver) timelineWaitLocked(df *deviceFile, arg *uapi.DrmSyncobjTimelineWait) error {
	n := int(arg.CountHandles)
	if n == 0 {
		return unix.EINVAL
	}
	objs, err := d.lookupSyncobjsLocked(df, uapi.SliceAt[uint32](arg.Handles, n))
	if err != nil {
		return err
	}
	points := uapi.SliceAt[uint64](arg.Points, n)
	want := func(i int) uint64 {
		if points == nil {
			return 1
		}
		return points[i]
	}

	waitAll := arg.Flags&uapi.DRM_SYNCOBJ_WAIT_FLAGS_WAIT_ALL != 0
	first := -1
	cond := func() bool {
		reached := 0
		for i, so := range objs {
			if so.point >= want(i) {
				if first < 0 {
					first = i
				}
				reached++
			}
		}
		if waitAll {
			return reached == len(objs)
		}
		return reached > 0
	}

	var deadline time.Time
	if arg.TimeoutNsec != math.MaxInt64 {
		deadline = time.Now().Add(time.Duration(arg.TimeoutNsec - kernel.Monotonic()))
	}
	if !d.waitLocked(deadline, cond) {
		return unix.ETIME
	}
	if first >= 0 {
		arg.FirstSignaled = uint32(first)
	}
	return nil
}

func (d *Driver) getInfoLocked(arg *uapi.AmdxdnaGetInfo) error {
	switch arg.Param {
	case uapi.DRM_AMDXDNA_QUERY_AIE_VERSION:
		if arg.BufferSize < uint32(unsafe.Sizeof(uapi.AmdxdnaQueryAIEVersion{})) {
			return unix.EINVAL
		}
		v := uapi.At[uapi.AmdxdnaQueryAIEVersion](arg.Buffer)
		*v = uapi.AmdxdnaQueryAIEVersion{Major: 2, Minor: 0}
		return nil
	case uapi.DRM_AMDXDNA_QUERY_AIE_METADATA:
		if arg.BufferSize < uint32(unsafe.Sizeof(uapi.AmdxdnaQueryAIEMetadata{})) {
			return unix.EINVAL
		}
		m := uapi.At[uapi.AmdxdnaQueryAIEMetadata](arg.Buffer)
		m.Cols = uint16(d.columns)
		m.Rows = uint16(d.rows)
		m.ColSize = tileMemorySize * d.rows
		m.Version = uapi.AmdxdnaQueryAIEVersion{Major: 2, Minor: 0}
		return nil
	case uapi.DRM_AMDXDNA_READ_AIE_MEM:
		mem := uapi.At[uapi.AmdxdnaAIEMem](arg.Buffer)
		tile, err := d.tileRangeLocked(mem)
		if err != nil {
			return err
		}
		copy(uapi.SliceAt[byte](mem.BufP, int(mem.Size)), tile)
		return nil
	case uapi.DRM_AMDXDNA_READ_AIE_REG:
		reg := uapi.At[uapi.AmdxdnaAIEReg](arg.Buffer)
		if reg == nil || reg.Col >= d.columns || reg.Row >= d.rows {
			return unix.EINVAL
		}
		reg.Val = d.regs[regKey{reg.Col, reg.Row, reg.Addr}]
		return nil
	}
	return unix.EOPNOTSUPP
}

func (d *Driver) setStateLocked(arg *uapi.AmdxdnaSetState) error {
	switch arg.Param {
	case uapi.DRM_AMDXDNA_SET_POWER_MODE:
		return nil
	case uapi.DRM_AMDXDNA_WRITE_AIE_MEM:
		mem := uapi.At[uapi.AmdxdnaAIEMem](arg.Buffer)
		tile, err := d.tileRangeLocked(mem)
		if err != nil {
			return err
		}
		copy(tile, uapi.SliceAt[byte](mem.BufP, int(mem.Size)))
		return nil
	case uapi.DRM_AMDXDNA_WRITE_AIE_REG:
		reg := uapi.At[uapi.AmdxdnaAIEReg](arg.Buffer)
		if reg == nil || reg.Col >= d.columns || reg.Row >= d.rows {
			return unix.EINVAL
		}
		d.regs[regKey{reg.Col, reg.Row, reg.Addr}] = reg.Val
		return nil
	}
	return unix.EOPNOTSUPP
}

func (d *Driver) tileRangeLocked(mem *uapi.AmdxdnaAIEMem) ([]byte, error) {
	if mem == nil || mem.BufP == 0 {
		return nil, unix.EFAULT
	}
	if mem.Col >= d.columns || mem.Row >= d.rows {
		return nil, unix.EINVAL
	}
	end := uint64(mem.Addr) + uint64(mem.Size)
	if mem.Size == 0 || end > tileMemorySize {
		return nil, unix.EINVAL
	}
	return d.tileLocked(mem.Col, mem.Row)[mem.Addr:end], nil
}
