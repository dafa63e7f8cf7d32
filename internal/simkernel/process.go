package simkernel

import (
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-xdna/internal/kernel"
	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

// DevicePrefix is the directory simulated device nodes live under
const DevicePrefix = "/dev/accel/"

type fileKind int

const (
	fileDevice fileKind = iota
	fileDmabuf
	fileSyncobj
	filePidfd
)

// file is one entry of a process descriptor table
type file struct {
	kind fileKind
	dev  *deviceFile
	bo   *bufferObject
	sync *syncObject
	pid  int
}

// Process is one simulated client of the driver
type Process struct {
	drv    *Driver
	pid    int
	fds    map[int]*file
	nextFD int
	open   int
}

var _ kernel.Kernel = (*Process)(nil)

// Driver returns the driver this process talks to
func (p *Process) Driver() *Driver {
	return p.drv
}

// OpenFDs reports how many descriptors the process holds
func (p *Process) OpenFDs() int {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	return len(p.fds)
}

func (p *Process) installLocked(f *file) int {
	fd := p.nextFD
	p.nextFD++
	p.fds[fd] = f
	return fd
}

func (p *Process) Open(path string, flags int) (int, error) {
	if !strings.HasPrefix(path, DevicePrefix) {
		return -1, unix.ENOENT
	}
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()

	fd := p.installLocked(&file{kind: fileDevice, dev: newDeviceFile(p)})
	p.open++
	d.stats.Opens++
	if p.open > d.stats.MaxOpenPerProcess {
		d.stats.MaxOpenPerProcess = p.open
	}
	return fd, nil
}

func (p *Process) Close(fd int) error {
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := p.fds[fd]
	if !ok {
		return unix.EBADF
	}
	delete(p.fds, fd)

	switch f.kind {
	case fileDevice:
		d.releaseDeviceFileLocked(f.dev)
		p.open--
		d.stats.Closes++
	case fileDmabuf:
		d.unrefBufferLocked(f.bo)
	case fileSyncobj:
		d.unrefSyncobjLocked(f.sync)
	}
	return nil
}

func (p *Process) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Ioctls[uapi.CmdName(req)]++
	f, ok := p.fds[fd]
	if !ok {
		return unix.EBADF
	}
	if f.kind != fileDevice {
		return unix.ENOTTY
	}
	if errno := d.takeFailureLocked(req); errno != 0 {
		return errno
	}
	return d.dispatchLocked(f.dev, req, arg)
}

func (p *Process) Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error) {
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := p.fds[fd]
	if !ok {
		return nil, unix.EBADF
	}
	if f.kind != fileDevice || length <= 0 {
		return nil, unix.EINVAL
	}
	for _, bo := range f.dev.bos {
		if bo.mapOffset == uint64(offset) {
			if length > len(bo.data) {
				return nil, unix.EINVAL
			}
			return bo.data[:length:length], nil
		}
	}
	return nil, unix.EINVAL
}

func (p *Process) Munmap(b []byte) error {
	if len(b) == 0 {
		return unix.EINVAL
	}
	return nil
}

func (p *Process) Seek(fd int, offset int64, whence int) (int64, error) {
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := p.fds[fd]
	if !ok {
		return 0, unix.EBADF
	}
	if f.kind != fileDmabuf {
		return 0, unix.ESPIPE
	}
	switch whence {
	case kernel.SeekEnd:
		return int64(len(f.bo.data)) + offset, nil
	case 0:
		return offset, nil
	}
	return 0, unix.EINVAL
}

func (p *Process) Getpid() int {
	return p.pid
}

func (p *Process) PidfdOpen(pid int) (int, error) {
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.noPidfd {
		return -1, unix.ENOSYS
	}
	if _, ok := d.procs[pid]; !ok {
		return -1, unix.ESRCH
	}
	return p.installLocked(&file{kind: filePidfd, pid: pid}), nil
}

func (p *Process) PidfdGetfd(pidfd, targetfd int) (int, error) {
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.noPidfd {
		return -1, unix.ENOSYS
	}
	pf, ok := p.fds[pidfd]
	if !ok || pf.kind != filePidfd {
		return -1, unix.EBADF
	}
	if d.denyGetfd {
		return -1, unix.EPERM
	}
	target, ok := d.procs[pf.pid]
	if !ok {
		return -1, unix.ESRCH
	}
	tf, ok := target.fds[targetfd]
	if !ok {
		return -1, unix.EBADF
	}

	dup := *tf
	switch dup.kind {
	case fileDmabuf:
		dup.bo.refs++
	case fileSyncobj:
		dup.sync.refs++
	case fileDevice:
		// Sharing a device file across processes is not modelled
		return -1, unix.EINVAL
	}
	return p.installLocked(&dup), nil
}
