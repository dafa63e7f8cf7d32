package xdna

import (
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-xdna/internal/uapi"
)

// Flags is the 64-bit buffer allocation word. The low half carries the XCL
// placement flags, the high half the extension (access, direction, use).
type Flags uint64

// Placement flags
const (
	FlagNone      Flags = uapi.XCL_BO_FLAGS_NONE
	FlagCacheable Flags = uapi.XCL_BO_FLAGS_CACHEABLE
	FlagDevOnly   Flags = uapi.XCL_BO_FLAGS_DEV_ONLY
	FlagHostOnly  Flags = uapi.XCL_BO_FLAGS_HOST_ONLY
	FlagExecBuf   Flags = uapi.XCL_BO_FLAGS_EXECBUF
)

// BufferUse is the role of a buffer, stored in the extension half of Flags
type BufferUse uint32

const (
	UseNormal   BufferUse = uapi.XRT_BO_USE_NORMAL
	UseDebug    BufferUse = uapi.XRT_BO_USE_DEBUG
	UseKMHost   BufferUse = uapi.XRT_BO_USE_KMHOST
	UseHostOnly BufferUse = uapi.XRT_BO_USE_HOST_ONLY
	UseDTrace   BufferUse = uapi.XRT_BO_USE_DTRACE
)

func (u BufferUse) String() string {
	switch u {
	case UseNormal:
		return "normal"
	case UseDebug:
		return "debug"
	case UseKMHost:
		return "kmhost"
	case UseHostOnly:
		return "host_only"
	case UseDTrace:
		return "dtrace"
	}
	return fmt.Sprintf("use(%d)", uint32(u))
}

// placementMask selects the XCL flag byte that decides the buffer kind
const placementMask = 0xff000000

// NewFlags builds a flag word from placement flags and a use
func NewFlags(placement Flags, use BufferUse) Flags {
	return placement.WithUse(use)
}

// XCL returns the low 32 bits
func (f Flags) XCL() uint32 {
	return uint32(f)
}

// Ext returns the extension half
func (f Flags) Ext() uint32 {
	return uint32(f >> 32)
}

// Use decodes the buffer use from the extension half
func (f Flags) Use() BufferUse {
	return BufferUse((f.Ext() >> uapi.XRT_BO_EXT_USE_SHIFT) & uapi.XRT_BO_EXT_USE_MASK)
}

// WithUse returns f with its use field replaced
func (f Flags) WithUse(u BufferUse) Flags {
	ext := f.Ext() &^ (uapi.XRT_BO_EXT_USE_MASK << uapi.XRT_BO_EXT_USE_SHIFT)
	ext |= (uint32(u) & uapi.XRT_BO_EXT_USE_MASK) << uapi.XRT_BO_EXT_USE_SHIFT
	return Flags(uint64(ext)<<32 | uint64(f.XCL()))
}

// placement returns only the flag byte the driver type is derived from
func (f Flags) placement() Flags {
	return Flags(f.XCL() & placementMask)
}

// IsExecBuf reports whether the buffer holds command packets
func (f Flags) IsExecBuf() bool {
	return f.placement() == FlagExecBuf
}

func (f Flags) String() string {
	var names []string
	p := f.placement()
	for _, fl := range []struct {
		f    Flags
		name string
	}{
		{FlagCacheable, "cacheable"},
		{FlagDevOnly, "dev_only"},
		{FlagHostOnly, "host_only"},
		{FlagExecBuf, "execbuf"},
	} {
		if p&fl.f != 0 {
			names = append(names, fl.name)
		}
	}
	if len(names) == 0 {
		names = append(names, "none")
	}
	return fmt.Sprintf("%s/%s", strings.Join(names, "|"), f.Use())
}

// kmqBufferType maps flags to a driver buffer type on devices with a
// device heap: cacheable buffers are carved out of the heap.
func kmqBufferType(f Flags) (uint32, error) {
	switch f.placement() {
	case FlagNone, FlagHostOnly:
		return uapi.AMDXDNA_BO_SHMEM, nil
	case FlagCacheable:
		return uapi.AMDXDNA_BO_DEV, nil
	case FlagExecBuf:
		return uapi.AMDXDNA_BO_CMD, nil
	}
	return uapi.AMDXDNA_BO_INVALID, NewError("alloc_bo", ErrCodeInvalidParameters,
		fmt.Sprintf("unsupported buffer flags %#x", f.XCL()))
}

// umqBufferType maps flags on devices without a heap. Everything that is
// not a command buffer is plain shared memory.
func umqBufferType(f Flags) (uint32, error) {
	switch f.placement() {
	case FlagNone, FlagHostOnly, FlagCacheable:
		return uapi.AMDXDNA_BO_SHMEM, nil
	case FlagExecBuf:
		return uapi.AMDXDNA_BO_CMD, nil
	}
	return uapi.AMDXDNA_BO_INVALID, NewError("alloc_bo", ErrCodeInvalidParameters,
		fmt.Sprintf("unsupported buffer flags %#x", f.XCL()))
}
