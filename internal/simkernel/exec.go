package simkernel

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

type cuEntry struct {
	bo *bufferObject
	fn uint8
}

type entryKind int

const (
	entryExec entryKind = iota
	entryWait
	entrySignal
)

// streamEntry is one queued item of a context's command stream
type streamEntry struct {
	seq    uint64
	kind   entryKind
	cmd    *bufferObject
	args   []*bufferObject
	objs   []*syncObject
	points []uint64
}

// hwContext is a hardware context as the driver sees it. Entries of its
// stream retire strictly in submission order.
type hwContext struct {
	handle    uint32
	owner     *deviceFile
	qos       uapi.AmdxdnaQosInfo
	numTiles  uint32
	maxOpc    uint32
	umqBO     *bufferObject
	logBuf    *bufferObject
	doorbell  uint32
	cus       []cuEntry
	debugBufs map[uint32]*bufferObject

	stream    []streamEntry
	submitted uint64
	completed uint64
	destroyed bool
}

func (d *Driver) createHwctxLocked(df *deviceFile, arg *uapi.AmdxdnaCreateHwctx) error {
	if arg.NumTiles == 0 || arg.NumTiles > d.columns*d.rows {
		return unix.EINVAL
	}

	c := &hwContext{
		owner:     df,
		numTiles:  arg.NumTiles,
		maxOpc:    arg.MaxOpc,
		debugBufs: make(map[uint32]*bufferObject),
	}
	if q := uapi.At[uapi.AmdxdnaQosInfo](arg.QosP); q != nil {
		c.qos = *q
	}
	if arg.UmqBO != uapi.AMDXDNA_INVALID_BO_HANDLE {
		bo, ok := df.bos[arg.UmqBO]
		if !ok {
			return unix.ENOENT
		}
		c.umqBO = bo
	}
	if arg.LogBufBO != uapi.AMDXDNA_INVALID_BO_HANDLE {
		bo, ok := df.bos[arg.LogBufBO]
		if !ok {
			return unix.ENOENT
		}
		c.logBuf = bo
	}

	d.nextCtx++
	c.handle = d.nextCtx
	if c.umqBO != nil {
		c.umqBO.refs++
		c.doorbell = 0x1000 + c.handle*8
	}
	if c.logBuf != nil {
		c.logBuf.refs++
	}

	d.contexts[c.handle] = c
	df.contexts[c.handle] = c
	d.stats.LiveContexts++

	arg.Handle = c.handle
	arg.UmqDoorbell = c.doorbell
	arg.SyncobjHandle = 0
	return nil
}

func (d *Driver) lookupContextLocked(df *deviceFile, handle uint32) (*hwContext, error) {
	c, ok := df.contexts[handle]
	if !ok {
		return nil, unix.ENOENT
	}
	return c, nil
}

func (d *Driver) destroyHwctxLocked(df *deviceFile, arg *uapi.AmdxdnaDestroyHwctx) error {
	c, err := d.lookupContextLocked(df, arg.Handle)
	if err != nil {
		return err
	}
	delete(df.contexts, arg.Handle)
	d.destroyContextLocked(c)
	return nil
}

// destroyContextLocked drops everything the context references and wakes
// anyone blocked in WAIT_CMD on it.
func (d *Driver) destroyContextLocked(c *hwContext) {
	if c.destroyed {
		return
	}
	c.destroyed = true
	delete(d.contexts, c.handle)
	d.stats.LiveContexts--

	for _, cu := range c.cus {
		d.unrefBufferLocked(cu.bo)
	}
	for h, bo := range c.debugBufs {
		d.unrefBufferLocked(bo)
		delete(c.debugBufs, h)
	}
	if c.logBuf != nil {
		d.unrefBufferLocked(c.logBuf)
	}
	if c.umqBO != nil {
		d.unrefBufferLocked(c.umqBO)
	}
	c.cus = nil
	c.stream = nil
	d.broadcastLocked()
}

func (d *Driver) configHwctxLocked(df *deviceFile, arg *uapi.AmdxdnaConfigHwctx) error {
	c, err := d.lookupContextLocked(df, arg.Handle)
	if err != nil {
		return err
	}

	switch arg.ParamType {
	case uapi.DRM_AMDXDNA_HWCTX_CONFIG_CU:
		payload := uapi.SliceAt[byte](arg.ParamVal, int(arg.ParamValSize))
		cus, err := uapi.UnmarshalConfigCU(payload)
		if err != nil || len(cus) == 0 {
			return unix.EINVAL
		}
		entries := make([]cuEntry, 0, len(cus))
		for _, cu := range cus {
			bo, ok := df.bos[cu.CUBO]
			if !ok {
				return unix.ENOENT
			}
			entries = append(entries, cuEntry{bo: bo, fn: cu.CUFunc})
		}
		for _, old := range c.cus {
			d.unrefBufferLocked(old.bo)
		}
		for _, e := range entries {
			e.bo.refs++
		}
		c.cus = entries
		return nil

	case uapi.DRM_AMDXDNA_HWCTX_ASSIGN_DBG_BUF:
		h := uint32(arg.ParamVal)
		bo, ok := df.bos[h]
		if !ok {
			return unix.ENOENT
		}
		if _, dup := c.debugBufs[h]; dup {
			return unix.EEXIST
		}
		bo.refs++
		c.debugBufs[h] = bo
		return nil

	case uapi.DRM_AMDXDNA_HWCTX_REMOVE_DBG_BUF:
		h := uint32(arg.ParamVal)
		bo, ok := c.debugBufs[h]
		if !ok {
			return unix.ENOENT
		}
		delete(c.debugBufs, h)
		d.unrefBufferLocked(bo)
		return nil
	}
	return unix.EINVAL
}

func (d *Driver) execCmdLocked(df *deviceFile, arg *uapi.AmdxdnaExecCmd) error {
	c, err := d.lookupContextLocked(df, arg.Hwctx)
	if err != nil {
		return err
	}

	e := streamEntry{}
	switch arg.Type {
	case uapi.AMDXDNA_CMD_SUBMIT_EXEC_BUF:
		if arg.CmdCount != 1 {
			return unix.EINVAL
		}
		cmd, ok := df.bos[uint32(arg.CmdHandles)]
		if !ok {
			return unix.ENOENT
		}
		if cmd.typ != uapi.AMDXDNA_BO_CMD || len(cmd.data) < 4 {
			return unix.EINVAL
		}
		for _, h := range uapi.SliceAt[uint32](arg.Args, int(arg.ArgCount)) {
			bo, ok := df.bos[h]
			if !ok {
				return unix.ENOENT
			}
			e.args = append(e.args, bo)
		}
		e.kind = entryExec
		e.cmd = cmd

	case uapi.AMDXDNA_CMD_SUBMIT_DEPENDENCY, uapi.AMDXDNA_CMD_SUBMIT_SIGNAL:
		n := int(arg.CmdCount)
		if n == 0 || arg.ArgCount != arg.CmdCount {
			return unix.EINVAL
		}
		objs, err := d.lookupSyncobjsLocked(df, uapi.SliceAt[uint32](arg.CmdHandles, n))
		if err != nil {
			return err
		}
		points := uapi.SliceAt[uint64](arg.Args, n)
		if points == nil {
			return unix.EFAULT
		}
		e.objs = objs
		e.points = append([]uint64(nil), points...)
		e.kind = entryWait
		if arg.Type == uapi.AMDXDNA_CMD_SUBMIT_SIGNAL {
			e.kind = entrySignal
		}

	default:
		return unix.EINVAL
	}

	c.submitted++
	e.seq = c.submitted
	c.stream = append(c.stream, e)
	arg.Seq = e.seq

	d.advanceAllLocked()
	return nil
}

func (d *Driver) waitCmdLocked(df *deviceFile, arg *uapi.AmdxdnaWaitCmd) error {
	c, err := d.lookupContextLocked(df, arg.Hwctx)
	if err != nil {
		return err
	}
	if arg.Seq == 0 || arg.Seq > c.submitted {
		return unix.EINVAL
	}

	var deadline time.Time
	if arg.Timeout != 0 {
		deadline = time.Now().Add(time.Duration(arg.Timeout) * time.Millisecond)
	}
	seq := arg.Seq
	if !d.waitLocked(deadline, func() bool { return c.destroyed || c.completed >= seq }) {
		return unix.ETIME
	}
	if c.destroyed && c.completed < seq {
		return unix.ECANCELED
	}
	return nil
}

// advanceLocked retires entries from the head of the stream until one
// blocks. It reports whether anything retired.
func (d *Driver) advanceLocked(c *hwContext) bool {
	progress := false
	for len(c.stream) > 0 {
		e := &c.stream[0]
		switch e.kind {
		case entryWait:
			for i, so := range e.objs {
				if so.point < e.points[i] {
					return progress
				}
			}
		case entryExec:
			if d.holdCommands {
				return progress
			}
			uapi.SetERTState(e.cmd.data, d.completionState)
		case entrySignal:
			for i, so := range e.objs {
				if e.points[i] > so.point {
					so.point = e.points[i]
				}
			}
		}
		c.completed = e.seq
		c.stream = c.stream[1:]
		progress = true
	}
	return progress
}

// advanceAllLocked runs every context to a fixed point, since a signal
// retired on one context can unblock a wait queued on another.
func (d *Driver) advanceAllLocked() {
	retired := false
	for {
		progress := false
		for _, c := range d.contexts {
			if d.advanceLocked(c) {
				progress = true
			}
		}
		if !progress {
			break
		}
		retired = true
	}
	if retired {
		d.broadcastLocked()
	}
}
