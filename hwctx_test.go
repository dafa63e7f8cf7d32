package xdna

import (
	"syscall"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

func TestCreateContext(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	pkg := testPackage("add_one", 2)
	ctx := newContext(t, d, pkg, nil)

	assert.Equal(t, StateConfigured, ctx.State())
	assert.NotEqual(t, uint32(InvalidSlot), ctx.Slot())
	assert.Same(t, d, ctx.Device())
	assert.True(t, ctx.Queue().Bound())

	ctxs := r.drv.Contexts()
	require.Len(t, ctxs, 1)
	info := ctxs[0]
	assert.Equal(t, ctx.Slot(), info.Handle)
	assert.Equal(t, pkg.Partition.Columns*TilesPerColumn, info.NumTiles)
	assert.Equal(t, pkg.Partition.OpsPerCycle, info.MaxOpc)
	assert.Equal(t, uint32(100), info.QoS.Gops)
	assert.False(t, info.LogBuffer)

	// One compute unit per kernel, each with its own image
	require.Len(t, info.CUs, 2)
	for i, cu := range info.CUs {
		assert.Equal(t, uint8(pkg.Kernels[i].FunctionalID), cu.Func)
		assert.Equal(t, pkg.Partition.Images[i].Binary, cu.Image)
	}
	require.Len(t, ctx.CUs(), 2)
	assert.Equal(t, "DPU:dpu_1", ctx.CUs()[1].Name)

	snap := r.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.ContextsCreated)
	assert.Equal(t, int64(1), snap.LiveContexts)
}

func TestContextCloseTwice(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	baseline := r.drv.Stats().LiveBuffers

	ctx := newContext(t, d, testPackage("add_one", 2), nil)
	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())

	assert.Equal(t, 1, r.drv.Count(uapi.DRM_IOCTL_AMDXDNA_DESTROY_HWCTX))
	assert.Equal(t, uint32(InvalidSlot), ctx.Slot())
	assert.Equal(t, StateDestroyed, ctx.State())
	assert.Nil(t, ctx.Queue())

	stats := r.drv.Stats()
	assert.Zero(t, stats.LiveContexts)
	assert.Equal(t, baseline, stats.LiveBuffers)

	snap := r.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.ContextsDestroyed)
	assert.Zero(t, snap.LiveContexts)
}

func TestNoValidWorkload(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	pkg := testPackage("empty", 2)
	pkg.Partition.Images = nil
	require.NoError(t, d.LoadPackage(pkg))

	_, err := d.CreateHwContext(pkg.UUID, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoValidWorkload)
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.True(t, IsErrno(err, syscall.EINVAL))
	assert.Contains(t, err.Error(), "no valid workload")

	assert.Zero(t, r.drv.Count(uapi.DRM_IOCTL_AMDXDNA_CREATE_HWCTX))
	assert.Equal(t, uint64(1), r.metrics.Snapshot().ContextCreateErrors)

	// An empty image does not count either
	pkg = testPackage("blank", 1)
	pkg.Partition.Images[0].Binary = nil
	require.NoError(t, d.LoadPackage(pkg))
	_, err = d.CreateHwContext(pkg.UUID, nil, nil)
	assert.ErrorIs(t, err, ErrNoValidWorkload)
}

func TestKernelsWithoutImageAreSkipped(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	pkg := testPackage("partial", 3)
	pkg.Partition.Images = append(pkg.Partition.Images[:1], pkg.Partition.Images[2])
	ctx := newContext(t, d, pkg, nil)

	require.Len(t, ctx.CUs(), 2)
	idx, err := ctx.OpenCUContext("DPU:dpu_2")
	require.NoError(t, err)
	assert.Equal(t, CUIndex(1), idx)

	_, err = ctx.OpenCUContext("DPU:dpu_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenCUContext(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	ctx := newContext(t, d, testPackage("add_one", 3), nil)

	for i := 0; i < 3; i++ {
		idx, err := ctx.OpenCUContext(ctx.CUs()[i].Name)
		require.NoError(t, err)
		assert.Equal(t, CUIndex(i), idx)
		ctx.CloseCUContext(idx)
	}

	idx, err := ctx.OpenCUContext("nope")
	assert.Equal(t, CUIndex(-1), idx)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "CU name (nope) not found")
}

func TestContextForSlot(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	pkg := testPackage("slotted", 1)
	require.NoError(t, d.LoadPackage(pkg))
	require.NoError(t, d.Packages().Reset(map[SlotID]uuid.UUID{4: pkg.UUID}))

	ctx, err := d.CreateHwContextForSlot(4, nil, nil)
	require.NoError(t, err)
	defer ctx.Close()
	assert.Len(t, ctx.CUs(), 1)

	_, err = d.CreateHwContextForSlot(5, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.CreateHwContext(uuid.NewV5(uuid.NamespaceOID, "unknown"), nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContextQoS(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	pkg := testPackage("qos", 1)
	require.NoError(t, d.LoadPackage(pkg))
	ctx, err := d.CreateHwContext(pkg.UUID, QoS{
		"gops":     50,
		"fps":      30,
		"priority": 2,
		"unknown":  7,
	}, nil)
	require.NoError(t, err)
	defer ctx.Close()

	assert.Equal(t, QoSInfo{GOPS: 50, FPS: 30, Priority: 2}, ctx.QoS())
	info := r.drv.Contexts()[0].QoS
	assert.Equal(t, uint32(50), info.Gops)
	assert.Equal(t, uint32(30), info.Fps)
	assert.Equal(t, uint32(2), info.Priority)

	assert.ErrorIs(t, ctx.UpdateQoS(QoS{"gops": 1}), ErrUnsupported)
	assert.ErrorIs(t, ctx.UpdateAccessMode(AccessSharedPartition), ErrUnsupported)
}

func TestQoSInfoIgnoresUnknownKeys(t *testing.T) {
	info, ignored := QoS{"latency": 3, "frame_execution_time": 4, "dma_bandwidth": 5, "colour": 1}.Info()
	assert.Equal(t, QoSInfo{Latency: 3, FrameExecTime: 4, DMABandwidth: 5}, info)
	assert.Equal(t, []string{"colour"}, ignored)
}

func TestContextLogBuffer(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	pkg := testPackage("logged", 1)
	ctx := newContext(t, d, pkg, &ContextOptions{LogBuffer: true})

	log := ctx.LogBuffer()
	require.Len(t, log, int(pkg.Partition.Columns)*LogBufferBytesPerColumn)
	assert.Equal(t, make([]byte, len(log)), log)
	assert.True(t, r.drv.Contexts()[0].LogBuffer)

	require.NoError(t, ctx.Close())
	assert.Nil(t, ctx.LogBuffer())
}

func TestContextDebugBuffers(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	baseline := r.drv.Stats().LiveBuffers

	ctx := newContext(t, d, testPackage("debug", 1), nil)
	debug := NewFlags(FlagNone, UseDebug)

	dbg, err := ctx.AllocBO(4096, debug)
	require.NoError(t, err)
	assert.Equal(t, 1, r.drv.Contexts()[0].DebugBuffers)
	require.NoError(t, dbg.Free())
	assert.Zero(t, r.drv.Contexts()[0].DebugBuffers)

	_, err = ctx.AllocBO(4096, debug)
	require.NoError(t, err)
	plain, err := ctx.AllocBO(4096, FlagNone)
	require.NoError(t, err)

	// Debug buffers go with the context, other buffers belong to the device
	require.NoError(t, ctx.Close())
	assert.Equal(t, baseline+1, r.drv.Stats().LiveBuffers)
	_, err = plain.Map(MapWrite)
	assert.NoError(t, err)

	_, err = ctx.AllocBO(4096, debug)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestContextTooWide(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	pkg := testPackage("wide", 1)
	pkg.Partition.Columns = 7
	require.NoError(t, d.LoadPackage(pkg))

	_, err := d.CreateHwContext(pkg.UUID, nil, nil)
	assert.ErrorIs(t, err, ErrDriverRejected)
	assert.True(t, IsErrno(err, syscall.EINVAL))
	assert.Zero(t, r.drv.Stats().LiveContexts)
}

func TestContextConfigureFailureReleasesEverything(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	baseline := r.drv.Stats().LiveBuffers

	pkg := testPackage("broken", 2)
	require.NoError(t, d.LoadPackage(pkg))

	r.drv.FailNext(uapi.DRM_IOCTL_AMDXDNA_CONFIG_HWCTX, syscall.EINVAL)
	_, err := d.CreateHwContext(pkg.UUID, nil, &ContextOptions{LogBuffer: true})
	require.Error(t, err)
	assert.True(t, IsErrno(err, syscall.EINVAL))

	stats := r.drv.Stats()
	assert.Equal(t, 1, r.drv.Count(uapi.DRM_IOCTL_AMDXDNA_DESTROY_HWCTX))
	assert.Zero(t, stats.LiveContexts)
	assert.Equal(t, baseline, stats.LiveBuffers)

	snap := r.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.ContextCreateErrors)
	assert.Zero(t, snap.LiveContexts)
}

func TestContextCreateFailureReleasesQueue(t *testing.T) {
	r := newRig(t, GenerationUMQ)
	_, d := r.open()

	pkg := testPackage("broken", 1)
	require.NoError(t, d.LoadPackage(pkg))

	r.drv.FailNext(uapi.DRM_IOCTL_AMDXDNA_CREATE_HWCTX, syscall.ENOMEM)
	_, err := d.CreateHwContext(pkg.UUID, nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientMemory)
	assert.Zero(t, r.drv.Count(uapi.DRM_IOCTL_AMDXDNA_DESTROY_HWCTX))
	assert.Zero(t, r.drv.Stats().LiveBuffers)
}

func TestContextDestroyFailure(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	ctx := newContext(t, d, testPackage("stuck", 1), nil)

	r.drv.FailNext(uapi.DRM_IOCTL_AMDXDNA_DESTROY_HWCTX, syscall.EIO)
	err := ctx.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDriverRejected)

	// Teardown still completes on the host side
	assert.Equal(t, uint32(InvalidSlot), ctx.Slot())
	assert.Equal(t, StateDestroyed, ctx.State())
	assert.NoError(t, ctx.Close())
	assert.Equal(t, uint64(1), r.metrics.Snapshot().ContextDestroyErrors)
}

func TestUMQContext(t *testing.T) {
	r := newRig(t, GenerationUMQ)
	_, d := r.open()
	assert.Equal(t, GenerationUMQ, d.Generation())

	ctx := newContext(t, d, testPackage("umq", 2), nil)
	q := ctx.Queue()
	assert.NotEqual(t, uint32(uapi.AMDXDNA_INVALID_BO_HANDLE), q.Handle())
	assert.Equal(t, 0x1000+ctx.Slot()*8, ctx.Doorbell())
	assert.Equal(t, ctx.Doorbell(), r.drv.Contexts()[0].Doorbell)

	// Nothing is configured up front
	assert.Zero(t, r.drv.Count(uapi.DRM_IOCTL_AMDXDNA_CONFIG_HWCTX))
	assert.Empty(t, r.drv.Contexts()[0].CUs)
	assert.Zero(t, r.drv.Stats().HeapAllocations)

	require.NoError(t, ctx.Close())
	assert.Zero(t, r.drv.Stats().LiveBuffers)
}

func TestContextStateString(t *testing.T) {
	assert.Equal(t, "configured", StateConfigured.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
	assert.Equal(t, "state(42)", ContextState(42).String())
}

func TestContextAccessMode(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	excl := newContext(t, d, testPackage("excl", 1), nil)
	assert.Equal(t, AccessExclusive, excl.AccessMode())
	assert.NoError(t, excl.UpdateAccessMode(AccessExclusive))
	assert.ErrorIs(t, excl.UpdateAccessMode(AccessSharedPartition), ErrUnsupported)

	shared := newContext(t, d, testPackage("shared", 1), &ContextOptions{AccessMode: AccessSharedPartition})
	assert.Equal(t, AccessSharedPartition, shared.AccessMode())
	assert.Equal(t, "shared", shared.AccessMode().String())
	assert.NoError(t, shared.UpdateAccessMode(AccessSharedPartition))

	pkg := testPackage("bogus", 1)
	require.NoError(t, d.LoadPackage(pkg))
	_, err := d.CreateHwContext(pkg.UUID, nil, &ContextOptions{AccessMode: ContextAccessMode(7)})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.Equal(t, 2, r.drv.Stats().LiveContexts)
}

func TestDebugBufferAssignFailureBalancesMetrics(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	ctx := newContext(t, d, testPackage("dbg", 1), nil)

	before := r.metrics.Snapshot()
	live := r.drv.Stats().LiveBuffers

	r.drv.FailNext(uapi.DRM_IOCTL_AMDXDNA_CONFIG_HWCTX, syscall.EINVAL)
	_, err := ctx.AllocBO(4096, NewFlags(FlagNone, UseDebug))
	require.Error(t, err)
	assert.True(t, IsErrno(err, syscall.EINVAL))

	after := r.metrics.Snapshot()
	assert.Equal(t, before.BytesLive, after.BytesLive)
	assert.Equal(t, before.BufferAllocs+1, after.BufferAllocs)
	assert.Equal(t, before.BufferFrees+1, after.BufferFrees)
	assert.Equal(t, live, r.drv.Stats().LiveBuffers)
}
