// Package uapi provides Linux kernel UAPI definitions for the amdxdna accel driver
package uapi

import "fmt"

// DRM ioctl namespace
const (
	DRM_IOCTL_BASE   = 'd'
	DRM_COMMAND_BASE = 0x40
)

// amdxdna driver commands, offset from DRM_COMMAND_BASE
const (
	DRM_AMDXDNA_CREATE_HWCTX  = 0
	DRM_AMDXDNA_DESTROY_HWCTX = 1
	DRM_AMDXDNA_CONFIG_HWCTX  = 2
	DRM_AMDXDNA_CREATE_BO     = 3
	DRM_AMDXDNA_GET_BO_INFO   = 4
	DRM_AMDXDNA_SYNC_BO       = 5
	DRM_AMDXDNA_EXEC_CMD      = 6
	DRM_AMDXDNA_WAIT_CMD      = 7
	DRM_AMDXDNA_GET_INFO      = 8
	DRM_AMDXDNA_SET_STATE     = 9
)

// DRM core command numbers used by the driver
const (
	drmGemClose              = 0x09
	drmPrimeHandleToFD       = 0x2d
	drmPrimeFDToHandle       = 0x2e
	drmSyncobjCreate         = 0xBF
	drmSyncobjDestroy        = 0xC0
	drmSyncobjHandleToFD     = 0xC1
	drmSyncobjFDToHandle     = 0xC2
	drmSyncobjTimelineWait   = 0xCA
	drmSyncobjQuery          = 0xCB
	drmSyncobjTimelineSignal = 0xCD
)

// Sentinel handles
const (
	AMDXDNA_INVALID_CTX_HANDLE   = 0
	AMDXDNA_INVALID_BO_HANDLE    = 0
	AMDXDNA_INVALID_ADDR         = ^uint64(0)
	AMDXDNA_INVALID_FENCE_HANDLE = 0
)

// Buffer object types (amdxdna_bo_type)
const (
	AMDXDNA_BO_INVALID  = 0
	AMDXDNA_BO_SHMEM    = 1
	AMDXDNA_BO_DEV_HEAP = 2
	AMDXDNA_BO_DEV      = 3
	AMDXDNA_BO_CMD      = 4
)

// SYNC_BO directions
const (
	SYNC_DIRECT_TO_DEVICE   = 0
	SYNC_DIRECT_FROM_DEVICE = 1
)

// CONFIG_HWCTX parameter types
const (
	DRM_AMDXDNA_HWCTX_CONFIG_CU      = 0
	DRM_AMDXDNA_HWCTX_ASSIGN_DBG_BUF = 1
	DRM_AMDXDNA_HWCTX_REMOVE_DBG_BUF = 2
)

// EXEC_CMD submission types
const (
	AMDXDNA_CMD_SUBMIT_EXEC_BUF   = 0
	AMDXDNA_CMD_SUBMIT_DEPENDENCY = 1
	AMDXDNA_CMD_SUBMIT_SIGNAL     = 2
)

// GET_INFO parameters
const (
	DRM_AMDXDNA_QUERY_AIE_STATUS   = 0
	DRM_AMDXDNA_QUERY_AIE_METADATA = 1
	DRM_AMDXDNA_QUERY_AIE_VERSION  = 2
	DRM_AMDXDNA_READ_AIE_MEM       = 6
	DRM_AMDXDNA_READ_AIE_REG       = 7
)

// SET_STATE parameters
const (
	DRM_AMDXDNA_SET_POWER_MODE = 0
	DRM_AMDXDNA_WRITE_AIE_MEM  = 1
	DRM_AMDXDNA_WRITE_AIE_REG  = 2
)

// PRIME export flags
const (
	DRM_RDWR    = 0x2
	DRM_CLOEXEC = 0x80000
)

// Sync object flags
const (
	DRM_SYNCOBJ_CREATE_SIGNALED            = 1 << 0
	DRM_SYNCOBJ_WAIT_FLAGS_WAIT_ALL        = 1 << 0
	DRM_SYNCOBJ_WAIT_FLAGS_WAIT_FOR_SUBMIT = 1 << 1
)

// ERT command packet states, stored in bits 0-3 of the packet header
const (
	ERT_CMD_STATE_NEW        = 1
	ERT_CMD_STATE_QUEUED     = 2
	ERT_CMD_STATE_RUNNING    = 3
	ERT_CMD_STATE_COMPLETED  = 4
	ERT_CMD_STATE_ERROR      = 5
	ERT_CMD_STATE_ABORT      = 6
	ERT_CMD_STATE_SUBMITTED  = 7
	ERT_CMD_STATE_TIMEOUT    = 8
	ERT_CMD_STATE_NORESPONSE = 9
)

// XCL buffer flags, low 32 bits of the 64-bit allocation flags
const (
	XCL_BO_FLAGS_NONE      = 0
	XCL_BO_FLAGS_CACHEABLE = 1 << 24
	XCL_BO_FLAGS_KERNBUF   = 1 << 25
	XCL_BO_FLAGS_SGL       = 1 << 26
	XCL_BO_FLAGS_SVM       = 1 << 27
	XCL_BO_FLAGS_DEV_ONLY  = 1 << 28
	XCL_BO_FLAGS_HOST_ONLY = 1 << 29
	XCL_BO_FLAGS_P2P       = 1 << 30
	XCL_BO_FLAGS_EXECBUF   = 1 << 31
)

// Buffer use field of the flags extension word
const (
	XRT_BO_USE_NORMAL    = 0
	XRT_BO_USE_DEBUG     = 1
	XRT_BO_USE_KMHOST    = 2
	XRT_BO_USE_HOST_ONLY = 3
	XRT_BO_USE_DTRACE    = 4
)

// Extension word layout: access:2 dir:2 use:4
const (
	XRT_BO_EXT_ACCESS_SHIFT = 0
	XRT_BO_EXT_ACCESS_MASK  = 0x3
	XRT_BO_EXT_DIR_SHIFT    = 2
	XRT_BO_EXT_DIR_MASK     = 0x3
	XRT_BO_EXT_USE_SHIFT    = 4
	XRT_BO_EXT_USE_MASK     = 0xf
)

// ioctl encoding constants
const (
	_IOC_NONE      = 0
	_IOC_WRITE     = 1
	_IOC_READ      = 2
	_IOC_SIZEBITS  = 14
	_IOC_DIRBITS   = 2
	_IOC_TYPEBITS  = 8
	_IOC_NRBITS    = 8
	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS
)

// IoctlEncode creates an ioctl command number
func IoctlEncode(dir, typ, nr, size uint32) uint32 {
	return (dir << _IOC_DIRSHIFT) |
		(size << _IOC_SIZESHIFT) |
		(typ << _IOC_TYPESHIFT) |
		(nr << _IOC_NRSHIFT)
}

func drmIOWR(nr uint32, size uintptr) uint {
	return uint(IoctlEncode(_IOC_READ|_IOC_WRITE, DRM_IOCTL_BASE, nr, uint32(size)))
}

func drmIOW(nr uint32, size uintptr) uint {
	return uint(IoctlEncode(_IOC_WRITE, DRM_IOCTL_BASE, nr, uint32(size)))
}

// Request numbers passed to ioctl(2)
var (
	DRM_IOCTL_AMDXDNA_CREATE_HWCTX  = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_CREATE_HWCTX, sizeofCreateHwctx)
	DRM_IOCTL_AMDXDNA_DESTROY_HWCTX = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_DESTROY_HWCTX, sizeofDestroyHwctx)
	DRM_IOCTL_AMDXDNA_CONFIG_HWCTX  = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_CONFIG_HWCTX, sizeofConfigHwctx)
	DRM_IOCTL_AMDXDNA_CREATE_BO     = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_CREATE_BO, sizeofCreateBO)
	DRM_IOCTL_AMDXDNA_GET_BO_INFO   = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_GET_BO_INFO, sizeofGetBOInfo)
	DRM_IOCTL_AMDXDNA_SYNC_BO       = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_SYNC_BO, sizeofSyncBO)
	DRM_IOCTL_AMDXDNA_EXEC_CMD      = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_EXEC_CMD, sizeofExecCmd)
	DRM_IOCTL_AMDXDNA_WAIT_CMD      = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_WAIT_CMD, sizeofWaitCmd)
	DRM_IOCTL_AMDXDNA_GET_INFO      = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_GET_INFO, sizeofGetInfo)
	DRM_IOCTL_AMDXDNA_SET_STATE     = drmIOWR(DRM_COMMAND_BASE+DRM_AMDXDNA_SET_STATE, sizeofSetState)

	DRM_IOCTL_GEM_CLOSE               = drmIOW(drmGemClose, sizeofGemClose)
	DRM_IOCTL_PRIME_HANDLE_TO_FD      = drmIOWR(drmPrimeHandleToFD, sizeofPrimeHandle)
	DRM_IOCTL_PRIME_FD_TO_HANDLE      = drmIOWR(drmPrimeFDToHandle, sizeofPrimeHandle)
	DRM_IOCTL_SYNCOBJ_CREATE          = drmIOWR(drmSyncobjCreate, sizeofSyncobjCreate)
	DRM_IOCTL_SYNCOBJ_DESTROY         = drmIOWR(drmSyncobjDestroy, sizeofSyncobjDestroy)
	DRM_IOCTL_SYNCOBJ_HANDLE_TO_FD    = drmIOWR(drmSyncobjHandleToFD, sizeofSyncobjHandle)
	DRM_IOCTL_SYNCOBJ_FD_TO_HANDLE    = drmIOWR(drmSyncobjFDToHandle, sizeofSyncobjHandle)
	DRM_IOCTL_SYNCOBJ_TIMELINE_WAIT   = drmIOWR(drmSyncobjTimelineWait, sizeofSyncobjTimelineWait)
	DRM_IOCTL_SYNCOBJ_QUERY           = drmIOWR(drmSyncobjQuery, sizeofSyncobjTimelineArray)
	DRM_IOCTL_SYNCOBJ_TIMELINE_SIGNAL = drmIOWR(drmSyncobjTimelineSignal, sizeofSyncobjTimelineArray)
)

// CmdName returns the symbolic name of an ioctl request number
func CmdName(cmd uint) string {
	switch cmd {
	case DRM_IOCTL_AMDXDNA_CREATE_HWCTX:
		return "DRM_IOCTL_AMDXDNA_CREATE_HWCTX"
	case DRM_IOCTL_AMDXDNA_DESTROY_HWCTX:
		return "DRM_IOCTL_AMDXDNA_DESTROY_HWCTX"
	case DRM_IOCTL_AMDXDNA_CONFIG_HWCTX:
		return "DRM_IOCTL_AMDXDNA_CONFIG_HWCTX"
	case DRM_IOCTL_AMDXDNA_CREATE_BO:
		return "DRM_IOCTL_AMDXDNA_CREATE_BO"
	case DRM_IOCTL_AMDXDNA_GET_BO_INFO:
		return "DRM_IOCTL_AMDXDNA_GET_BO_INFO"
	case DRM_IOCTL_AMDXDNA_SYNC_BO:
		return "DRM_IOCTL_AMDXDNA_SYNC_BO"
	case DRM_IOCTL_AMDXDNA_EXEC_CMD:
		return "DRM_IOCTL_AMDXDNA_EXEC_CMD"
	case DRM_IOCTL_AMDXDNA_WAIT_CMD:
		return "DRM_IOCTL_AMDXDNA_WAIT_CMD"
	case DRM_IOCTL_AMDXDNA_GET_INFO:
		return "DRM_IOCTL_AMDXDNA_GET_INFO"
	case DRM_IOCTL_AMDXDNA_SET_STATE:
		return "DRM_IOCTL_AMDXDNA_SET_STATE"
	case DRM_IOCTL_GEM_CLOSE:
		return "DRM_IOCTL_GEM_CLOSE"
	case DRM_IOCTL_PRIME_HANDLE_TO_FD:
		return "DRM_IOCTL_PRIME_HANDLE_TO_FD"
	case DRM_IOCTL_PRIME_FD_TO_HANDLE:
		return "DRM_IOCTL_PRIME_FD_TO_HANDLE"
	case DRM_IOCTL_SYNCOBJ_CREATE:
		return "DRM_IOCTL_SYNCOBJ_CREATE"
	case DRM_IOCTL_SYNCOBJ_QUERY:
		return "DRM_IOCTL_SYNCOBJ_QUERY"
	case DRM_IOCTL_SYNCOBJ_DESTROY:
		return "DRM_IOCTL_SYNCOBJ_DESTROY"
	case DRM_IOCTL_SYNCOBJ_HANDLE_TO_FD:
		return "DRM_IOCTL_SYNCOBJ_HANDLE_TO_FD"
	case DRM_IOCTL_SYNCOBJ_FD_TO_HANDLE:
		return "DRM_IOCTL_SYNCOBJ_FD_TO_HANDLE"
	case DRM_IOCTL_SYNCOBJ_TIMELINE_SIGNAL:
		return "DRM_IOCTL_SYNCOBJ_TIMELINE_SIGNAL"
	case DRM_IOCTL_SYNCOBJ_TIMELINE_WAIT:
		return "DRM_IOCTL_SYNCOBJ_TIMELINE_WAIT"
	}
	return fmt.Sprintf("UNKNOWN(%d)", cmd)
}
