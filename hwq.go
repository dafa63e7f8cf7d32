package xdna

import (
	"runtime"
	"time"
	"unsafe"

	"github.com/ehrlich-b/go-xdna/internal/logging"
	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

// HwQueue submits work to the context it is bound to. It is created with
// the device, bound when the context is created on the device and unbound
// before that context is destroyed. Submitting on an unbound queue fails
// with ErrQueueUnbound.
type HwQueue struct {
	dev      *Device
	ctx      *HwContext
	queueBuf *BufferObject
	log      *logging.Logger
}

func newHwQueue(d *Device, queueBuf *BufferObject) *HwQueue {
	q := &HwQueue{dev: d, queueBuf: queueBuf}
	q.log = d.log.WithComponent("hwq").WithQueue(q.Handle())
	q.log.Debug("queue created")
	return q
}

// Handle returns the handle a context is created with: the queue buffer on
// UMQ devices, the invalid handle on KMQ devices.
func (q *HwQueue) Handle() uint32 {
	if q.queueBuf == nil {
		return uapi.AMDXDNA_INVALID_BO_HANDLE
	}
	return q.queueBuf.handle
}

// Bound reports whether the queue currently feeds a context
func (q *HwQueue) Bound() bool {
	return q.ctx != nil
}

func (q *HwQueue) bind(c *HwContext) {
	q.ctx = c
	q.log.Debug("queue bound", "hwctx", c.slot)
}

func (q *HwQueue) unbind() {
	if q.ctx == nil {
		return
	}
	q.log.Debug("queue unbound", "hwctx", q.ctx.slot)
	q.ctx = nil
}

func (q *HwQueue) boundSlot(op string) (uint32, error) {
	if q.ctx == nil || q.ctx.slot == InvalidSlot {
		return 0, WrapError(op, ErrQueueUnbound)
	}
	return q.ctx.slot, nil
}

// SubmitCommand queues a command buffer for execution
func (q *HwQueue) SubmitCommand(cmd *BufferObject) error {
	return q.IssueCommand(cmd)
}

// IssueCommand hands a command buffer and its argument buffers to the
// driver and records the sequence number on cmd.
func (q *HwQueue) IssueCommand(cmd *BufferObject) error {
	slot, err := q.boundSlot("issue_command")
	if err != nil {
		return err
	}
	if !cmd.flags.IsExecBuf() {
		return &Error{Op: "issue_command", Handle: cmd.handle, Code: ErrCodeInvalidParameters,
			Msg: "command must live in an execbuf buffer"}
	}

	var args []uint32
	if n := len(cmd.args); n > 0 {
		args = uapi.Slice[uint32](n)
		copy(args, cmd.args)
	}
	arg := uapi.Alloc[uapi.AmdxdnaExecCmd]()
	arg.Hwctx = slot
	arg.Type = uapi.AMDXDNA_CMD_SUBMIT_EXEC_BUF
	arg.CmdHandles = uint64(cmd.handle)
	arg.CmdCount = 1
	if args != nil {
		arg.Args = uapi.SliceAddr(args)
		arg.ArgCount = uint32(len(args))
	}
	err = q.dev.ioctl(uapi.DRM_IOCTL_AMDXDNA_EXEC_CMD, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	runtime.KeepAlive(args)
	q.dev.obs.ObserveCommandSubmit(err == nil)
	if err != nil {
		return err
	}
	cmd.SetCmdID(arg.Seq)
	q.ctx.markActive()
	return nil
}

// PollCommand reports whether the command has completed, in any final
// state, without blocking
func (q *HwQueue) PollCommand(cmd *BufferObject) (bool, error) {
	state, err := cmd.CmdState()
	if err != nil {
		return false, err
	}
	return state >= uapi.ERT_CMD_STATE_COMPLETED, nil
}

// WaitCommand blocks until the command completes or timeoutMs passes. A
// zero timeout waits forever. A timeout is reported as (false, nil).
func (q *HwQueue) WaitCommand(cmd *BufferObject, timeoutMs uint32) (bool, error) {
	done, err := q.PollCommand(cmd)
	if err != nil || done {
		return done, err
	}
	slot, err := q.boundSlot("wait_command")
	if err != nil {
		return false, err
	}

	arg := uapi.Alloc[uapi.AmdxdnaWaitCmd]()
	arg.Hwctx = slot
	arg.Timeout = timeoutMs
	arg.Seq = cmd.CmdID()

	start := time.Now()
	err = q.dev.ioctl(uapi.DRM_IOCTL_AMDXDNA_WAIT_CMD, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	q.dev.obs.ObserveCommandWait(uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		if IsCode(err, ErrCodeTimeout) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SubmitWait enqueues a device-side wait on the next point of every fence.
// Several fences are batched into one submission.
func (q *HwQueue) SubmitWait(fences ...*Fence) error {
	if len(fences) == 0 {
		return nil
	}
	if _, err := q.boundSlot("submit_wait"); err != nil {
		return err
	}
	handles := uapi.Slice[uint32](len(fences))
	points := uapi.Slice[uint64](len(fences))
	// Either every fence moves to its next point or none does
	rewind := func(n int) {
		for i := n - 1; i >= 0; i-- {
			fences[i].rewind(points[i])
		}
	}
	for i, f := range fences {
		p, err := f.WaitNextState()
		if err != nil {
			rewind(i)
			return err
		}
		handles[i] = f.syncobj
		points[i] = p
	}
	if err := q.submitSyncobjs("submit_wait", uapi.AMDXDNA_CMD_SUBMIT_DEPENDENCY, handles, points); err != nil {
		rewind(len(fences))
		return err
	}
	return nil
}

// SubmitSignal enqueues a device-side signal of the fence's next point
func (q *HwQueue) SubmitSignal(f *Fence) error {
	if _, err := q.boundSlot("submit_signal"); err != nil {
		return err
	}
	p, err := f.SignalNextState()
	if err != nil {
		return err
	}
	handles := uapi.Slice[uint32](1)
	handles[0] = f.syncobj
	points := uapi.Slice[uint64](1)
	points[0] = p
	if err := q.submitSyncobjs("submit_signal", uapi.AMDXDNA_CMD_SUBMIT_SIGNAL, handles, points); err != nil {
		f.rewind(p)
		return err
	}
	return nil
}

func (q *HwQueue) submitSyncobjs(op string, typ uint32, handles []uint32, points []uint64) error {
	slot, err := q.boundSlot(op)
	if err != nil {
		return err
	}
	arg := uapi.Alloc[uapi.AmdxdnaExecCmd]()
	arg.Hwctx = slot
	arg.Type = typ
	arg.CmdHandles = uapi.SliceAddr(handles)
	arg.Args = uapi.SliceAddr(points)
	arg.CmdCount = uint32(len(handles))
	arg.ArgCount = uint32(len(points))
	err = q.dev.ioctl(uapi.DRM_IOCTL_AMDXDNA_EXEC_CMD, unsafe.Pointer(arg))
	runtime.KeepAlive(arg)
	runtime.KeepAlive(handles)
	runtime.KeepAlive(points)
	return err
}

// Close releases the queue buffer. The queue must be unbound first.
func (q *HwQueue) Close() error {
	if q.ctx != nil {
		return NewError("close_queue", ErrCodePrecondition, "queue is still bound to a context")
	}
	var err error
	if q.queueBuf != nil {
		err = q.queueBuf.Free()
		q.queueBuf = nil
	}
	q.log.Debug("queue destroyed")
	return err
}
