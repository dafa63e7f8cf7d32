package uapi

import "unsafe"

// AmdxdnaQosInfo is the QoS block referenced by CreateHwctx.QosP (24 bytes)
//
//	struct amdxdna_qos_info {
//	  __u32 gops;
//	  __u32 fps;
//	  __u32 dma_bandwidth;
//	  __u32 latency;
//	  __u32 frame_exec_time;
//	  __u32 priority;
//	};
type AmdxdnaQosInfo struct {
	Gops          uint32
	Fps           uint32
	DmaBandwidth  uint32
	Latency       uint32
	FrameExecTime uint32
	Priority      uint32
}

var _ [24]byte = [unsafe.Sizeof(AmdxdnaQosInfo{})]byte{}

// AmdxdnaCreateHwctx is the argument of DRM_IOCTL_AMDXDNA_CREATE_HWCTX (56 bytes)
type AmdxdnaCreateHwctx struct {
	Ext           uint64
	ExtFlags      uint64
	QosP          uint64 // user address of AmdxdnaQosInfo
	UmqBO         uint32 // queue BO handle, UMQ only
	LogBufBO      uint32
	MaxOpc        uint32 // max operations per cycle
	NumTiles      uint32
	MemSize       uint32
	UmqDoorbell   uint32 // out
	Handle        uint32 // out
	SyncobjHandle uint32 // out
}

var _ [56]byte = [unsafe.Sizeof(AmdxdnaCreateHwctx{})]byte{}

// AmdxdnaDestroyHwctx is the argument of DRM_IOCTL_AMDXDNA_DESTROY_HWCTX
type AmdxdnaDestroyHwctx struct {
	Handle uint32
	Pad    uint32
}

var _ [8]byte = [unsafe.Sizeof(AmdxdnaDestroyHwctx{})]byte{}

// AmdxdnaConfigHwctx is the argument of DRM_IOCTL_AMDXDNA_CONFIG_HWCTX (24 bytes).
// ParamVal is either an inline value or the user address of a parameter block,
// depending on ParamType.
type AmdxdnaConfigHwctx struct {
	Handle       uint32
	ParamType    uint32
	ParamVal     uint64
	ParamValSize uint32
	Pad          uint32
}

var _ [24]byte = [unsafe.Sizeof(AmdxdnaConfigHwctx{})]byte{}

// AmdxdnaCUConfig describes one compute unit in a CONFIG_CU parameter block
type AmdxdnaCUConfig struct {
	CUBO   uint32 // BO holding the partition image
	CUFunc uint8
	Pad    [3]uint8
}

var _ [8]byte = [unsafe.Sizeof(AmdxdnaCUConfig{})]byte{}

// AmdxdnaHwctxParamConfigCU is the header of a CONFIG_CU parameter block,
// followed by NumCUs AmdxdnaCUConfig entries.
type AmdxdnaHwctxParamConfigCU struct {
	NumCUs uint16
	Pad    [3]uint16
}

var _ [8]byte = [unsafe.Sizeof(AmdxdnaHwctxParamConfigCU{})]byte{}

// AmdxdnaCreateBO is the argument of DRM_IOCTL_AMDXDNA_CREATE_BO (32 bytes)
type AmdxdnaCreateBO struct {
	Flags  uint64
	Vaddr  uint64 // user pointer backing, 0 for driver-allocated memory
	Size   uint64
	Type   uint32
	Handle uint32 // out
}

var _ [32]byte = [unsafe.Sizeof(AmdxdnaCreateBO{})]byte{}

// AmdxdnaGetBOInfo is the argument of DRM_IOCTL_AMDXDNA_GET_BO_INFO (48 bytes)
type AmdxdnaGetBOInfo struct {
	Ext       uint64
	ExtFlags  uint64
	Handle    uint32
	Pad       uint32
	MapOffset uint64 // out
	Vaddr     uint64 // out
	XdnaAddr  uint64 // out
}

var _ [48]byte = [unsafe.Sizeof(AmdxdnaGetBOInfo{})]byte{}

// AmdxdnaSyncBO is the argument of DRM_IOCTL_AMDXDNA_SYNC_BO (24 bytes)
type AmdxdnaSyncBO struct {
	Handle    uint32
	Direction uint32
	Offset    uint64
	Size      uint64
}

var _ [24]byte = [unsafe.Sizeof(AmdxdnaSyncBO{})]byte{}

// AmdxdnaExecCmd is the argument of DRM_IOCTL_AMDXDNA_EXEC_CMD (56 bytes).
// For EXEC_BUF, CmdHandles holds the single command BO handle by value and
// Args addresses an array of argument BO handles. For
// DEPENDENCY and SIGNAL, CmdHandles addresses sync object handles and Args
// addresses the matching 64-bit timeline points.
type AmdxdnaExecCmd struct {
	Ext        uint64
	ExtFlags   uint64
	Hwctx      uint32
	Type       uint32
	CmdHandles uint64
	Args       uint64
	CmdCount   uint32
	ArgCount   uint32
	Seq        uint64 // out
}

var _ [56]byte = [unsafe.Sizeof(AmdxdnaExecCmd{})]byte{}

// AmdxdnaWaitCmd is the argument of DRM_IOCTL_AMDXDNA_WAIT_CMD (16 bytes)
type AmdxdnaWaitCmd struct {
	Hwctx   uint32
	Timeout uint32 // milliseconds, 0 waits forever
	Seq     uint64
}

var _ [16]byte = [unsafe.Sizeof(AmdxdnaWaitCmd{})]byte{}

// AmdxdnaGetInfo is the argument of DRM_IOCTL_AMDXDNA_GET_INFO and
// DRM_IOCTL_AMDXDNA_SET_STATE (16 bytes)
type AmdxdnaGetInfo struct {
	Param      uint32
	BufferSize uint32
	Buffer     uint64
}

var _ [16]byte = [unsafe.Sizeof(AmdxdnaGetInfo{})]byte{}

// AmdxdnaSetState shares the GET_INFO layout
type AmdxdnaSetState = AmdxdnaGetInfo

// AmdxdnaQueryAIEVersion is the GET_INFO QUERY_AIE_VERSION payload
type AmdxdnaQueryAIEVersion struct {
	Major uint32
	Minor uint32
}

var _ [8]byte = [unsafe.Sizeof(AmdxdnaQueryAIEVersion{})]byte{}

// AmdxdnaQueryAIEMetadata is the leading part of the QUERY_AIE_METADATA payload
type AmdxdnaQueryAIEMetadata struct {
	ColSize uint32
	Cols    uint16
	Rows    uint16
	Version AmdxdnaQueryAIEVersion
}

var _ [16]byte = [unsafe.Sizeof(AmdxdnaQueryAIEMetadata{})]byte{}

// AmdxdnaAIEMem addresses a range of tile-local memory
type AmdxdnaAIEMem struct {
	Col  uint32
	Row  uint32
	Addr uint32
	Size uint32
	BufP uint64
}

var _ [24]byte = [unsafe.Sizeof(AmdxdnaAIEMem{})]byte{}

// AmdxdnaAIEReg addresses a single tile register
type AmdxdnaAIEReg struct {
	Col  uint32
	Row  uint32
	Addr uint32
	Val  uint32
}

var _ [16]byte = [unsafe.Sizeof(AmdxdnaAIEReg{})]byte{}

// DrmGemClose is the argument of DRM_IOCTL_GEM_CLOSE
type DrmGemClose struct {
	Handle uint32
	Pad    uint32
}

var _ [8]byte = [unsafe.Sizeof(DrmGemClose{})]byte{}

// DrmPrimeHandle is the argument of the PRIME import/export ioctls
type DrmPrimeHandle struct {
	Handle uint32
	Flags  uint32
	FD     int32
}

var _ [12]byte = [unsafe.Sizeof(DrmPrimeHandle{})]byte{}

// DrmSyncobjCreate is the argument of DRM_IOCTL_SYNCOBJ_CREATE
type DrmSyncobjCreate struct {
	Handle uint32
	Flags  uint32
}

var _ [8]byte = [unsafe.Sizeof(DrmSyncobjCreate{})]byte{}

// DrmSyncobjDestroy is the argument of DRM_IOCTL_SYNCOBJ_DESTROY
type DrmSyncobjDestroy struct {
	Handle uint32
	Pad    uint32
}

var _ [8]byte = [unsafe.Sizeof(DrmSyncobjDestroy{})]byte{}

// DrmSyncobjHandle is the argument of the sync object fd conversion ioctls
type DrmSyncobjHandle struct {
	Handle uint32
	Flags  uint32
	FD     int32
	Pad    uint32
}

var _ [16]byte = [unsafe.Sizeof(DrmSyncobjHandle{})]byte{}

// DrmSyncobjTimelineWait is the argument of DRM_IOCTL_SYNCOBJ_TIMELINE_WAIT (40 bytes).
// TimeoutNsec is an absolute CLOCK_MONOTONIC deadline.
type DrmSyncobjTimelineWait struct {
	Handles       uint64
	Points        uint64
	TimeoutNsec   int64
	CountHandles  uint32
	Flags         uint32
	FirstSignaled uint32 // out
	Pad           uint32
}

var _ [40]byte = [unsafe.Sizeof(DrmSyncobjTimelineWait{})]byte{}

// DrmSyncobjTimelineArray is the argument of the timeline query and signal ioctls
type DrmSyncobjTimelineArray struct {
	Handles      uint64
	Points       uint64
	CountHandles uint32
	Flags        uint32
}

var _ [24]byte = [unsafe.Sizeof(DrmSyncobjTimelineArray{})]byte{}

const (
	sizeofCreateHwctx          = unsafe.Sizeof(AmdxdnaCreateHwctx{})
	sizeofDestroyHwctx         = unsafe.Sizeof(AmdxdnaDestroyHwctx{})
	sizeofConfigHwctx          = unsafe.Sizeof(AmdxdnaConfigHwctx{})
	sizeofCreateBO             = unsafe.Sizeof(AmdxdnaCreateBO{})
	sizeofGetBOInfo            = unsafe.Sizeof(AmdxdnaGetBOInfo{})
	sizeofSyncBO               = unsafe.Sizeof(AmdxdnaSyncBO{})
	sizeofExecCmd              = unsafe.Sizeof(AmdxdnaExecCmd{})
	sizeofWaitCmd              = unsafe.Sizeof(AmdxdnaWaitCmd{})
	sizeofGetInfo              = unsafe.Sizeof(AmdxdnaGetInfo{})
	sizeofSetState             = unsafe.Sizeof(AmdxdnaSetState{})
	sizeofGemClose             = unsafe.Sizeof(DrmGemClose{})
	sizeofPrimeHandle          = unsafe.Sizeof(DrmPrimeHandle{})
	sizeofSyncobjCreate        = unsafe.Sizeof(DrmSyncobjCreate{})
	sizeofSyncobjDestroy       = unsafe.Sizeof(DrmSyncobjDestroy{})
	sizeofSyncobjHandle        = unsafe.Sizeof(DrmSyncobjHandle{})
	sizeofSyncobjTimelineWait  = unsafe.Sizeof(DrmSyncobjTimelineWait{})
	sizeofSyncobjTimelineArray = unsafe.Sizeof(DrmSyncobjTimelineArray{})
)
