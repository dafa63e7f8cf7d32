package simkernel

import (
	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

// deviceFile is the per-open state of the device node: handle tables are
// local to the file that created them.
type deviceFile struct {
	proc     *Process
	bos      map[uint32]*bufferObject
	nextBO   uint32
	syncobjs map[uint32]*syncObject
	nextSync uint32
	contexts map[uint32]*hwContext
	heap     *bufferObject
	heapSize uint64
	heapUsed uint64
}

func newDeviceFile(p *Process) *deviceFile {
	return &deviceFile{
		proc:     p,
		bos:      make(map[uint32]*bufferObject),
		nextBO:   1,
		syncobjs: make(map[uint32]*syncObject),
		nextSync: 1,
		contexts: make(map[uint32]*hwContext),
	}
}

type bufferObject struct {
	typ       uint32
	flags     uint64
	data      []byte
	addr      uint64
	mapOffset uint64
	userptr   uint64
	refs      int
	heapOwner *deviceFile
}

type syncObject struct {
	point uint64
	refs  int
}

type tileKey struct {
	col, row uint32
}

type regKey struct {
	col, row, addr uint32
}

func (df *deviceFile) addBuffer(bo *bufferObject) uint32 {
	h := df.nextBO
	df.nextBO++
	df.bos[h] = bo
	return h
}

func (df *deviceFile) handleOf(bo *bufferObject) (uint32, bool) {
	for h, b := range df.bos {
		if b == bo {
			return h, true
		}
	}
	return 0, false
}

func (df *deviceFile) addSyncobj(so *syncObject) uint32 {
	h := df.nextSync
	df.nextSync++
	df.syncobjs[h] = so
	return h
}

func (d *Driver) unrefBufferLocked(bo *bufferObject) {
	bo.refs--
	if bo.refs > 0 {
		return
	}
	d.stats.LiveBuffers--
	if bo.heapOwner != nil {
		bo.heapOwner.heapUsed -= uint64(len(bo.data))
		bo.heapOwner = nil
	}
}

func (d *Driver) unrefSyncobjLocked(so *syncObject) {
	so.refs--
	if so.refs == 0 {
		d.stats.LiveSyncobjs--
	}
}

// releaseDeviceFileLocked tears down everything created through df, as the
// driver does when the last reference to an open file goes away.
func (d *Driver) releaseDeviceFileLocked(df *deviceFile) {
	for h, c := range df.contexts {
		d.destroyContextLocked(c)
		delete(df.contexts, h)
	}
	for h, bo := range df.bos {
		if bo == df.heap {
			df.heap = nil
		}
		d.unrefBufferLocked(bo)
		delete(df.bos, h)
	}
	for h, so := range df.syncobjs {
		d.unrefSyncobjLocked(so)
		delete(df.syncobjs, h)
	}
	d.broadcastLocked()
}

func (d *Driver) tileLocked(col, row uint32) []byte {
	k := tileKey{col, row}
	mem, ok := d.tiles[k]
	if !ok {
		mem = make([]byte, tileMemorySize)
		d.tiles[k] = mem
	}
	return mem
}

func isBufferType(t uint32) bool {
	switch t {
	case uapi.AMDXDNA_BO_SHMEM, uapi.AMDXDNA_BO_DEV_HEAP, uapi.AMDXDNA_BO_DEV, uapi.AMDXDNA_BO_CMD:
		return true
	}
	return false
}
