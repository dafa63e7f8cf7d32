// Package simkernel simulates the amdxdna accel driver in process memory.
//
// A Driver holds the kernel-side objects (buffer objects, sync objects,
// hardware contexts and their command streams). Each Process is an
// independent view of the driver with its own pid and descriptor table and
// implements kernel.Kernel, so several simulated processes can exchange
// descriptors through the pidfd path exactly as real ones would.
package simkernel

import (
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

const (
	defaultColumns    = 4
	defaultRows       = 6
	tileMemorySize    = 64 << 10
	mapOffsetBase     = 1 << 32
	deviceAddrBase    = 0x4000_0000
	pageSize          = 4096
	firstSimulatedPID = 4000
)

// Driver is the shared kernel state behind every simulated process
type Driver struct {
	mu      sync.Mutex
	changed chan struct{}

	columns uint32
	rows    uint32

	nextPID    int
	procs      map[int]*Process
	nextAddr   uint64
	nextOffset uint64
	nextCtx    uint32
	contexts   map[uint32]*hwContext
	tiles      map[tileKey][]byte
	regs       map[regKey]uint32

	denyGetfd       bool
	noPidfd         bool
	holdCommands    bool
	completionState uint32
	failures        map[uint][]syscall.Errno

	stats Stats
}

// Stats counts driver activity for assertions in tests
type Stats struct {
	Opens             int
	Closes            int
	MaxOpenPerProcess int
	Syncs             int
	HeapAllocations   int
	LiveBuffers       int
	LiveSyncobjs      int
	LiveContexts      int
	Ioctls            map[string]int
}

// Option configures a Driver
type Option func(*Driver)

// WithGeometry sets the number of AIE columns and rows
func WithGeometry(columns, rows uint32) Option {
	return func(d *Driver) {
		d.columns = columns
		d.rows = rows
	}
}

// NewDriver creates an idle simulated driver
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		changed:         make(chan struct{}),
		columns:         defaultColumns,
		rows:            defaultRows,
		nextPID:         firstSimulatedPID,
		procs:           make(map[int]*Process),
		nextAddr:        deviceAddrBase,
		nextOffset:      mapOffsetBase,
		contexts:        make(map[uint32]*hwContext),
		tiles:           make(map[tileKey][]byte),
		regs:            make(map[regKey]uint32),
		completionState: uapi.ERT_CMD_STATE_COMPLETED,
		failures:        make(map[uint][]syscall.Errno),
		stats:           Stats{Ioctls: make(map[string]int)},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewProcess registers a new simulated process with a fresh pid
func (d *Driver) NewProcess() *Process {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextPID++
	p := &Process{
		drv:    d,
		pid:    d.nextPID,
		fds:    make(map[int]*file),
		nextFD: 3,
	}
	d.procs[p.pid] = p
	return p
}

// DenyGetfd makes pidfd_getfd fail with EPERM, as a restrictive ptrace scope would
func (d *Driver) DenyGetfd(deny bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denyGetfd = deny
}

// DisablePidfd makes the pidfd primitives fail with ENOSYS
func (d *Driver) DisablePidfd(disable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noPidfd = disable
}

// HoldCommands stops command execution while set. Clearing it lets queued
// commands run to completion.
func (d *Driver) HoldCommands(hold bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holdCommands = hold
	if !hold {
		d.advanceAllLocked()
	}
}

// SetCompletionState sets the ERT state written into finished command buffers
func (d *Driver) SetCompletionState(state uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completionState = state
}

// FailNext queues errno as the result of the next ioctl with request number cmd
func (d *Driver) FailNext(cmd uint, errno syscall.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[cmd] = append(d.failures[cmd], errno)
}

// Stats returns a copy of the activity counters
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Ioctls = make(map[string]int, len(d.stats.Ioctls))
	for k, v := range d.stats.Ioctls {
		s.Ioctls[k] = v
	}
	return s
}

// Count returns how many times request cmd was issued
func (d *Driver) Count(cmd uint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.Ioctls[uapi.CmdName(cmd)]
}

// CUState is the driver's view of one configured compute unit
type CUState struct {
	Func  uint8
	Image []byte
}

// ContextInfo is the driver's view of a hardware context
type ContextInfo struct {
	Handle       uint32
	NumTiles     uint32
	MaxOpc       uint32
	QoS          uapi.AmdxdnaQosInfo
	CUs          []CUState
	DebugBuffers int
	LogBuffer    bool
	Doorbell     uint32
}

// Contexts lists live hardware contexts
func (d *Driver) Contexts() []ContextInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ContextInfo, 0, len(d.contexts))
	for _, c := range d.contexts {
		info := ContextInfo{
			Handle:       c.handle,
			NumTiles:     c.numTiles,
			MaxOpc:       c.maxOpc,
			QoS:          c.qos,
			DebugBuffers: len(c.debugBufs),
			LogBuffer:    c.logBuf != nil,
			Doorbell:     c.doorbell,
		}
		for _, cu := range c.cus {
			img := make([]byte, len(cu.bo.data))
			copy(img, cu.bo.data)
			info.CUs = append(info.CUs, CUState{Func: cu.fn, Image: img})
		}
		out = append(out, info)
	}
	return out
}

// broadcastLocked wakes every blocked waiter so it re-checks its condition
func (d *Driver) broadcastLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// waitLocked blocks until cond holds or the deadline passes. A zero deadline
// waits forever. Called and returns with d.mu held.
func (d *Driver) waitLocked(deadline time.Time, cond func() bool) bool {
	for !cond() {
		ch := d.changed
		d.mu.Unlock()
		if deadline.IsZero() {
			<-ch
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				d.mu.Lock()
				return cond()
			}
			timer := time.NewTimer(remaining)
			select {
			case <-ch:
				timer.Stop()
			case <-timer.C:
			}
		}
		d.mu.Lock()
	}
	return true
}

func (d *Driver) takeFailureLocked(cmd uint) syscall.Errno {
	q := d.failures[cmd]
	if len(q) == 0 {
		return 0
	}
	d.failures[cmd] = q[1:]
	return q[0]
}

func (d *Driver) allocAddrLocked(size uint64) uint64 {
	addr := d.nextAddr
	d.nextAddr += roundUp(size, pageSize)
	return addr
}

func (d *Driver) allocOffsetLocked(size uint64) uint64 {
	off := d.nextOffset
	d.nextOffset += roundUp(size, pageSize)
	return off
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
