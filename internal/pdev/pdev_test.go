package pdev

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-xdna/internal/logging"
	"github.com/ehrlich-b/go-xdna/internal/simkernel"
	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

const testNode = simkernel.DevicePrefix + "accel0"

type countingHooks struct {
	inner  Hooks
	opens  atomic.Int32
	closes atomic.Int32
	fail   error
}

func (h *countingHooks) FirstOpen(d *Device) error {
	h.opens.Add(1)
	if h.fail != nil {
		return h.fail
	}
	return h.inner.FirstOpen(d)
}

func (h *countingHooks) LastClose(d *Device) {
	h.closes.Add(1)
	h.inner.LastClose(d)
}

func newTestDevice(t *testing.T, hooks Hooks) (*Device, *simkernel.Driver) {
	t.Helper()
	drv := simkernel.NewDriver()
	return New(drv.NewProcess(), testNode, WithHooks(hooks), WithLogger(logging.Nop())), drv
}

func queryVersion(d *Device) error {
	v := uapi.Alloc[uapi.AmdxdnaQueryAIEVersion]()
	arg := uapi.Alloc[uapi.AmdxdnaGetInfo]()
	arg.Param = uapi.DRM_AMDXDNA_QUERY_AIE_VERSION
	arg.Buffer = uapi.Addr(v)
	arg.BufferSize = uint32(unsafe.Sizeof(*v))
	return d.Ioctl(uapi.DRM_IOCTL_AMDXDNA_GET_INFO, unsafe.Pointer(arg))
}

func TestOpenCloseRefcount(t *testing.T) {
	d, drv := newTestDevice(t, NopHooks{})

	assert.Equal(t, -1, d.FD())
	require.NoError(t, d.Open())
	fd := d.FD()
	assert.GreaterOrEqual(t, fd, 0)
	require.NoError(t, d.Open())
	assert.Equal(t, fd, d.FD(), "second open reuses the descriptor")
	assert.Equal(t, 2, d.Users())

	require.NoError(t, d.Close())
	assert.Equal(t, fd, d.FD())
	require.NoError(t, d.Close())
	assert.Equal(t, -1, d.FD())
	assert.Zero(t, d.Users())

	s := drv.Stats()
	assert.Equal(t, 1, s.Opens)
	assert.Equal(t, 1, s.Closes)

	assert.ErrorIs(t, d.Close(), ErrNotOpen)
}

func TestIoctlOnClosedDevice(t *testing.T) {
	d, _ := newTestDevice(t, NopHooks{})

	err := queryVersion(d)
	var ioe *IoctlError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "DRM_IOCTL_AMDXDNA_GET_INFO", ioe.Cmd)
	assert.Equal(t, syscall.EINVAL, ioe.Errno)
	assert.Contains(t, err.Error(), "DRM_IOCTL_AMDXDNA_GET_INFO IOCTL failed")
}

func TestIoctlErrorCarriesErrno(t *testing.T) {
	d, drv := newTestDevice(t, NopHooks{})
	require.NoError(t, d.Open())
	defer d.Close()

	drv.FailNext(uapi.DRM_IOCTL_AMDXDNA_GET_INFO, syscall.ENODEV)
	err := queryVersion(d)
	assert.ErrorIs(t, err, syscall.ENODEV)
	assert.NoError(t, queryVersion(d))
}

func TestMmapErrorReportsArguments(t *testing.T) {
	d, _ := newTestDevice(t, NopHooks{})
	require.NoError(t, d.Open())
	defer d.Close()

	_, err := d.Mmap(0xdead000, 4096, 3, 1)
	var me *MmapError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 4096, me.Length)
	assert.Equal(t, uint64(0xdead000), me.Offset)
	assert.Contains(t, err.Error(), "offset=0xdead000")
	assert.Contains(t, err.Error(), "len=4096")
}

func TestHeapLifecycle(t *testing.T) {
	d, drv := newTestDevice(t, HeapHooks{Size: 1 << 20})

	require.NoError(t, d.Open())
	require.NoError(t, d.Open())
	assert.NotZero(t, d.Heap())
	assert.Equal(t, 1, drv.Stats().HeapAllocations)
	assert.Equal(t, 1, drv.Stats().LiveBuffers)

	require.NoError(t, d.Close())
	assert.Equal(t, 1, drv.Stats().LiveBuffers, "heap survives while users remain")
	require.NoError(t, d.Close())
	assert.Zero(t, drv.Stats().LiveBuffers)
	assert.Zero(t, d.Heap())

	require.NoError(t, d.Open())
	assert.Equal(t, 2, drv.Stats().HeapAllocations, "a new open cycle gets a new heap")
	require.NoError(t, d.Close())
}

func TestHeapBusyTolerated(t *testing.T) {
	d, drv := newTestDevice(t, HeapHooks{Size: 1 << 20})
	drv.FailNext(uapi.DRM_IOCTL_AMDXDNA_CREATE_BO, syscall.EBUSY)

	require.NoError(t, d.Open())
	assert.Zero(t, d.Heap())
	require.NoError(t, d.Close())
}

func TestFailingHookRollsBack(t *testing.T) {
	hooks := &countingHooks{inner: NopHooks{}, fail: syscall.ENOMEM}
	d, drv := newTestDevice(t, hooks)

	require.Error(t, d.Open())
	assert.Zero(t, d.Users())
	assert.Equal(t, -1, d.FD())
	s := drv.Stats()
	assert.Equal(t, s.Opens, s.Closes)

	hooks.fail = nil
	require.NoError(t, d.Open())
	require.NoError(t, d.Close())
	assert.EqualValues(t, 1, hooks.closes.Load())
}

func TestConcurrentOpenClose(t *testing.T) {
	hooks := &countingHooks{inner: HeapHooks{Size: 1 << 20}}
	d, drv := newTestDevice(t, hooks)

	const workers = 16
	const rounds = 200

	var wg sync.WaitGroup
	var ioctlFailures atomic.Int32
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := d.Open(); err != nil {
					ioctlFailures.Add(1)
					continue
				}
				// while a reference is held the descriptor must stay valid
				if err := queryVersion(d); err != nil {
					ioctlFailures.Add(1)
				}
				if err := d.Close(); err != nil {
					ioctlFailures.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, ioctlFailures.Load())
	assert.Zero(t, d.Users())
	assert.Equal(t, -1, d.FD())

	s := drv.Stats()
	assert.Equal(t, 1, s.MaxOpenPerProcess, "node never opened twice at once")
	assert.Equal(t, s.Opens, s.Closes)
	assert.EqualValues(t, s.Opens, hooks.opens.Load())
	assert.EqualValues(t, s.Closes, hooks.closes.Load())
	assert.Equal(t, s.Opens, s.HeapAllocations)
	assert.Zero(t, s.LiveBuffers)
}
