package xdna

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

// startCommand allocates a command buffer holding a start packet for cu 0
func startCommand(t *testing.T, d *Device, args ...*BufferObject) *BufferObject {
	t.Helper()
	cmd, err := d.AllocBO(4096, FlagExecBuf)
	require.NoError(t, err)
	require.NoError(t, cmd.PrepareStartCU(0, 1, 2, 3))
	cmd.SetArgs(args...)
	return cmd
}

func TestSubmitAndWait(t *testing.T) {
	for _, gen := range []Generation{GenerationKMQ, GenerationUMQ} {
		t.Run(gen.String(), func(t *testing.T) {
			r := newRig(t, gen)
			_, d := r.open()
			ctx := newContext(t, d, testPackage("add_one", 1), nil)
			q := ctx.Queue()

			in, err := d.AllocBO(4096, FlagNone)
			require.NoError(t, err)
			out, err := d.AllocBO(4096, FlagNone)
			require.NoError(t, err)
			cmd := startCommand(t, d, in, out)
			assert.Equal(t, []uint32{in.Handle(), out.Handle()}, cmd.ArgHandles())

			for i := 1; i <= 3; i++ {
				require.NoError(t, cmd.PrepareStartCU(0))
				require.NoError(t, q.SubmitCommand(cmd))
				assert.Equal(t, uint64(i), cmd.CmdID())

				done, err := q.WaitCommand(cmd, 1000)
				require.NoError(t, err)
				assert.True(t, done)
			}

			state, err := cmd.CmdState()
			require.NoError(t, err)
			assert.Equal(t, uint32(CmdStateCompleted), state)
			assert.Equal(t, StateActive, ctx.State())

			snap := r.metrics.Snapshot()
			assert.Equal(t, uint64(3), snap.CommandsSubmitted)
			assert.Zero(t, snap.CommandErrors)
		})
	}
}

func TestWaitCommandTimeout(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	q := newContext(t, d, testPackage("slow", 1), nil).Queue()

	r.drv.HoldCommands(true)
	cmd := startCommand(t, d)
	require.NoError(t, q.SubmitCommand(cmd))

	done, err := q.PollCommand(cmd)
	require.NoError(t, err)
	assert.False(t, done)

	start := time.Now()
	done, err = q.WaitCommand(cmd, 20)
	require.NoError(t, err)
	assert.False(t, done)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, uint64(1), r.metrics.Snapshot().CommandTimeouts)

	r.drv.HoldCommands(false)
	done, err = q.WaitCommand(cmd, WaitForever)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCommandErrorStateIsFinal(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	q := newContext(t, d, testPackage("faulty", 1), nil).Queue()

	r.drv.SetCompletionState(uapi.ERT_CMD_STATE_ERROR)
	cmd := startCommand(t, d)
	require.NoError(t, q.SubmitCommand(cmd))

	done, err := q.WaitCommand(cmd, 1000)
	require.NoError(t, err)
	assert.True(t, done)
	state, err := cmd.CmdState()
	require.NoError(t, err)
	assert.Equal(t, uint32(CmdStateError), state)
}

func TestSubmitRejectsPlainBuffer(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	q := newContext(t, d, testPackage("add_one", 1), nil).Queue()

	bo, err := d.AllocBO(4096, FlagNone)
	require.NoError(t, err)
	assert.ErrorIs(t, q.SubmitCommand(bo), ErrInvalidParameters)
	assert.Zero(t, r.drv.Count(uapi.DRM_IOCTL_AMDXDNA_EXEC_CMD))
}

func TestUnboundQueue(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	ctx := newContext(t, d, testPackage("add_one", 1), nil)
	q := ctx.Queue()
	require.True(t, q.Bound())

	require.NoError(t, ctx.Close())
	assert.False(t, q.Bound())

	cmd := startCommand(t, d)
	assert.ErrorIs(t, q.SubmitCommand(cmd), ErrQueueUnbound)
	assert.ErrorIs(t, q.SubmitCommand(cmd), ErrPrecondition)

	f, err := d.CreateFence(AccessLocal)
	require.NoError(t, err)
	assert.ErrorIs(t, q.SubmitSignal(f), ErrQueueUnbound)
	assert.ErrorIs(t, q.SubmitWait(f), ErrQueueUnbound)

	// A rejected submission does not move the fence
	assert.Equal(t, uint64(1), f.NextState())
	assert.Zero(t, r.drv.Count(uapi.DRM_IOCTL_AMDXDNA_EXEC_CMD))
}

func TestQueueCloseWhileBound(t *testing.T) {
	r := newRig(t, GenerationUMQ)
	_, d := r.open()
	ctx := newContext(t, d, testPackage("add_one", 1), nil)

	assert.ErrorIs(t, ctx.Queue().Close(), ErrPrecondition)
	assert.True(t, ctx.Queue().Bound())
}

func TestDeviceSideWait(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	q := newContext(t, d, testPackage("gated", 1), nil).Queue()

	gate, err := d.CreateFence(AccessLocal)
	require.NoError(t, err)
	host, err := gate.Clone()
	require.NoError(t, err)

	require.NoError(t, gate.SubmitWait(q))
	cmd := startCommand(t, d)
	require.NoError(t, q.SubmitCommand(cmd))
	assert.Equal(t, uint64(2), cmd.CmdID())

	done, err := q.PollCommand(cmd)
	require.NoError(t, err)
	assert.False(t, done, "command ran ahead of the queued wait")

	require.NoError(t, host.Signal())
	done, err = q.WaitCommand(cmd, 1000)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDeviceSideSignal(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	q := newContext(t, d, testPackage("signaller", 1), nil).Queue()

	fence, err := d.CreateFence(AccessLocal)
	require.NoError(t, err)
	early, err := fence.Clone()
	require.NoError(t, err)
	late, err := fence.Clone()
	require.NoError(t, err)

	r.drv.HoldCommands(true)
	cmd := startCommand(t, d)
	require.NoError(t, q.SubmitCommand(cmd))
	require.NoError(t, fence.SubmitSignal(q))

	// The signal retires only after the command before it
	assert.ErrorIs(t, early.Wait(20), ErrTimeout)

	r.drv.HoldCommands(false)
	require.NoError(t, late.Wait(1000))
}

func TestSubmitWaitAllIsOneSubmission(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	q := newContext(t, d, testPackage("fan_in", 1), nil).Queue()

	var fences, signalers []*Fence
	for i := 0; i < 3; i++ {
		f, err := d.CreateFence(AccessLocal)
		require.NoError(t, err)
		s, err := f.Clone()
		require.NoError(t, err)
		fences = append(fences, f)
		signalers = append(signalers, s)
	}

	require.NoError(t, SubmitWaitAll(q, fences))
	assert.Equal(t, 1, r.drv.Count(uapi.DRM_IOCTL_AMDXDNA_EXEC_CMD))
	require.NoError(t, q.SubmitWait())

	cmd := startCommand(t, d)
	require.NoError(t, q.SubmitCommand(cmd))
	for _, s := range signalers[:2] {
		require.NoError(t, s.Signal())
	}
	done, err := q.PollCommand(cmd)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, signalers[2].Signal())
	done, err = q.WaitCommand(cmd, 1000)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSubmitWaitIsAllOrNothing(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	q := newContext(t, d, testPackage("gated", 1), nil).Queue()

	a, err := d.CreateFence(AccessLocal)
	require.NoError(t, err)
	peer, err := a.Clone()
	require.NoError(t, err)
	b, err := d.CreateFence(AccessLocal)
	require.NoError(t, err)
	require.NoError(t, b.Signal())

	err = q.SubmitWait(a, b)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Equal(t, uint64(1), a.NextState())
	state, _ := a.State()
	assert.Zero(t, state)
	assert.Zero(t, r.drv.Count(uapi.DRM_IOCTL_AMDXDNA_EXEC_CMD))

	// The rejected batch did not skip point 1 of a
	require.NoError(t, q.SubmitWait(a))
	cmd := startCommand(t, d)
	require.NoError(t, q.SubmitCommand(cmd))
	require.NoError(t, peer.Signal())
	done, err := q.WaitCommand(cmd, 1000)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRejectedSubmissionKeepsFenceState(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	_, d := r.open()
	q := newContext(t, d, testPackage("gated", 1), nil).Queue()

	w, err := d.CreateFence(AccessLocal)
	require.NoError(t, err)
	r.drv.FailNext(uapi.DRM_IOCTL_AMDXDNA_EXEC_CMD, syscall.EINVAL)
	assert.ErrorIs(t, q.SubmitWait(w), ErrDriverRejected)
	assert.Equal(t, uint64(1), w.NextState())

	s, err := d.CreateFence(AccessLocal)
	require.NoError(t, err)
	r.drv.FailNext(uapi.DRM_IOCTL_AMDXDNA_EXEC_CMD, syscall.EINVAL)
	assert.ErrorIs(t, q.SubmitSignal(s), ErrDriverRejected)
	state, signaled := s.State()
	assert.Zero(t, state)
	assert.False(t, signaled)

	// Still usable for waiting, which a signaled fence would refuse
	_, err = s.WaitNextState()
	assert.NoError(t, err)
}
