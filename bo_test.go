package xdna

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

func TestBufferRoundTrip(t *testing.T) {
	for _, gen := range []Generation{GenerationKMQ, GenerationUMQ} {
		for _, size := range []uint64{128, 0x1000, 0x100000} {
			for _, flags := range []Flags{FlagNone, FlagCacheable} {
				t.Run(fmt.Sprintf("%s/%s/%#x", gen, flags, size), func(t *testing.T) {
					r := newRig(t, gen)
					_, d := r.open()

					bo, err := d.AllocBO(size, flags)
					require.NoError(t, err)
					assert.Equal(t, size, bo.Size())
					assert.NotZero(t, bo.DeviceAddr())

					want := pattern(int(size), byte(size))
					m, err := bo.Map(MapWrite)
					require.NoError(t, err)
					require.Len(t, m, int(size))
					copy(m, want)
					require.NoError(t, bo.Sync(SyncToDevice, 0, 0))
					require.NoError(t, bo.Unmap())

					m, err = bo.Map(MapRead)
					require.NoError(t, err)
					require.NoError(t, bo.Sync(SyncFromDevice, size, 0))
					assert.Equal(t, want, m)

					require.NoError(t, bo.Free())
					assert.Equal(t, 2, r.drv.Stats().Syncs)
				})
			}
		}
	}
}

func TestBufferProperties(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	flags := NewFlags(FlagHostOnly, UseKMHost)
	bo, err := d.AllocBO(4096, flags)
	require.NoError(t, err)

	p := bo.Properties()
	assert.Equal(t, bo.Handle(), p.Handle)
	assert.Equal(t, flags, p.Flags)
	assert.Equal(t, uint64(4096), p.Size)
	assert.Equal(t, bo.DeviceAddr(), p.DeviceAddr)
	assert.Equal(t, UseKMHost, bo.Flags().Use())

	snap := r.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.BufferAllocs)
	assert.Equal(t, int64(4096), snap.BytesLive)
}

func TestBufferFreeTwice(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	bo, err := d.AllocBO(4096, FlagNone)
	require.NoError(t, err)
	before := r.drv.Count(uapi.DRM_IOCTL_GEM_CLOSE)

	require.NoError(t, bo.Free())
	require.NoError(t, bo.Free())
	assert.Equal(t, 1, r.drv.Count(uapi.DRM_IOCTL_GEM_CLOSE)-before)

	_, err = bo.Map(MapRead)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.ErrorIs(t, bo.Sync(SyncToDevice, 0, 0), ErrPrecondition)
	_, err = bo.Share()
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestSyncRange(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	bo, err := d.AllocBO(4096, FlagNone)
	require.NoError(t, err)

	assert.NoError(t, bo.Sync(SyncToDevice, 0, 4000))
	assert.NoError(t, bo.Sync(SyncFromDevice, 96, 4000))
	assert.ErrorIs(t, bo.Sync(SyncToDevice, 16, 4096), ErrInvalidParameters)
	assert.ErrorIs(t, bo.Sync(SyncToDevice, 97, 4000), ErrInvalidParameters)
	assert.ErrorIs(t, bo.Sync(SyncToDevice, 8192, 0), ErrInvalidParameters)
	assert.Equal(t, 2, r.drv.Stats().Syncs)
}

func TestZeroSizedBuffer(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	_, err := d.AllocBO(0, FlagNone)
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = d.AllocUserPtrBO(nil, FlagNone)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	snap := r.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.BufferAllocErrors)
	assert.Zero(t, snap.BufferAllocs)
}

func TestDeviceHeapExhausted(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	_, err := d.AllocBO(DevHeapSize+4096, FlagCacheable)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientMemory)
	assert.True(t, IsErrno(err, syscall.ENOMEM))

	// A failed carve-out leaves the heap usable
	bo, err := d.AllocBO(4096, FlagCacheable)
	require.NoError(t, err)
	require.NoError(t, bo.Free())
}

func TestUserPtrBuffer(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	buf := make([]byte, 8192)
	bo, err := d.AllocUserPtrBO(buf, FlagHostOnly)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(buf)), bo.Size())

	m, err := bo.Map(MapRead)
	require.NoError(t, err)
	m[100] = 0x5a
	assert.Equal(t, byte(0x5a), buf[100])
	require.NoError(t, bo.Sync(SyncToDevice, 0, 0))
	require.NoError(t, bo.Unmap())
	require.NoError(t, bo.Free())

	_, err = d.AllocUserPtrBO(buf, FlagCacheable)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestShareImportSameProcess(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	bo, err := d.AllocBO(4096, FlagNone)
	require.NoError(t, err)
	want := pattern(4096, 3)
	m, err := bo.Map(MapWrite)
	require.NoError(t, err)
	copy(m, want)

	sh, err := bo.Share()
	require.NoError(t, err)
	defer sh.Close()

	imp, err := d.ImportBO(r.pid(), sh.ExportHandle())
	require.NoError(t, err)
	// Importing into the file that owns the buffer yields the handle it has
	assert.Equal(t, bo.Handle(), imp.Handle())
	assert.Equal(t, bo.Size(), imp.Size())

	got, err := imp.Map(MapRead)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The export descriptor stays with its owner
	assert.Equal(t, 2, r.proc.OpenFDs())

	before := r.drv.Stats().LiveBuffers
	closes := r.drv.Count(uapi.DRM_IOCTL_GEM_CLOSE)
	require.NoError(t, imp.Free())
	assert.Equal(t, closes, r.drv.Count(uapi.DRM_IOCTL_GEM_CLOSE))

	// The owner's handle survives the import going away
	m[0] = 0xee
	require.NoError(t, bo.Sync(SyncToDevice, 0, 0))
	require.NoError(t, bo.queryInfo())

	require.NoError(t, bo.Free())
	assert.Equal(t, closes+1, r.drv.Count(uapi.DRM_IOCTL_GEM_CLOSE))
	require.NoError(t, sh.Close())
	assert.Equal(t, before-1, r.drv.Stats().LiveBuffers)
}

func TestImportAcrossProcesses(t *testing.T) {
	a := newRig(t, GenerationKMQ)
	b := attachRig(t, a.drv, GenerationKMQ)
	_, da := a.open()
	_, db := b.open()

	bo, err := da.AllocBO(0x2000, FlagNone)
	require.NoError(t, err)
	m, err := bo.Map(MapWrite)
	require.NoError(t, err)
	copy(m, pattern(0x2000, 9))

	sh, err := bo.Share()
	require.NoError(t, err)
	defer sh.Close()

	imp, err := db.ImportBO(a.pid(), sh.ExportHandle())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), imp.Size())

	got, err := imp.Map(MapWrite)
	require.NoError(t, err)
	assert.Equal(t, pattern(0x2000, 9), got)

	got[0] = 0xee
	assert.Equal(t, byte(0xee), m[0])

	// Only the device node is left open in the importer
	assert.Equal(t, 1, b.proc.OpenFDs())
}

func TestImportFailures(t *testing.T) {
	t.Run("ptrace", func(t *testing.T) {
		a := newRig(t, GenerationKMQ)
		b := attachRig(t, a.drv, GenerationKMQ)
		_, da := a.open()
		_, db := b.open()

		bo, err := da.AllocBO(4096, FlagNone)
		require.NoError(t, err)
		sh, err := bo.Share()
		require.NoError(t, err)
		defer sh.Close()

		a.drv.DenyGetfd(true)
		_, err = db.ImportBO(a.pid(), sh.ExportHandle())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.True(t, IsErrno(err, syscall.EPERM))
		assert.Contains(t, err.Error(), "PTRACE_MODE_ATTACH_REALCREDS")
		assert.Equal(t, 1, b.proc.OpenFDs())
	})

	t.Run("no pidfd", func(t *testing.T) {
		a := newRig(t, GenerationKMQ)
		b := attachRig(t, a.drv, GenerationKMQ)
		_, da := a.open()
		_, db := b.open()

		f, err := da.CreateFence(AccessShared)
		require.NoError(t, err)
		sh, err := f.ShareHandle()
		require.NoError(t, err)
		defer sh.Close()

		a.drv.DisablePidfd(true)
		_, err = db.ImportFence(a.pid(), sh.ExportHandle())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.Contains(t, err.Error(), "'pidfd' kernel support")
	})
}

func TestPrepareStartCU(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()

	cmd, err := d.AllocBO(64, FlagExecBuf)
	require.NoError(t, err)
	require.NoError(t, cmd.PrepareStartCU(3, 0xaa, 0xbb))

	state, err := cmd.CmdState()
	require.NoError(t, err)
	assert.Equal(t, uint32(CmdStateNew), state)

	m, err := cmd.Map(MapRead)
	require.NoError(t, err)
	assert.Equal(t, uint32(uapi.ERT_START_CU), uapi.ERTOpcode(m))
	assert.Equal(t, uint32(1<<3), binary.LittleEndian.Uint32(m[4:]))
	assert.Equal(t, uint32(0xbb), binary.LittleEndian.Uint32(m[12:]))

	assert.ErrorIs(t, cmd.PrepareStartCU(0, make([]uint32, 20)...), ErrInvalidParameters)
	assert.ErrorIs(t, cmd.PrepareStartCU(32), ErrInvalidParameters)

	plain, err := d.AllocBO(64, FlagNone)
	require.NoError(t, err)
	assert.ErrorIs(t, plain.PrepareStartCU(0), ErrPrecondition)
	_, err = plain.CmdState()
	assert.ErrorIs(t, err, ErrPrecondition)
}
