package uapi

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// MarshalError reports a parameter block that does not match its declared layout
type MarshalError struct {
	What string
	Len  int
	Want int
}

func (e MarshalError) Error() string {
	return fmt.Sprintf("uapi: %s: have %d bytes, want %d", e.What, e.Len, e.Want)
}

const (
	configCUHeaderSize = int(unsafe.Sizeof(AmdxdnaHwctxParamConfigCU{}))
	configCUEntrySize  = int(unsafe.Sizeof(AmdxdnaCUConfig{}))
)

// ConfigCUSize returns the size of a CONFIG_CU block describing n compute units
func ConfigCUSize(n int) int {
	return configCUHeaderSize + n*configCUEntrySize
}

// MarshalConfigCU builds the variable-length CONFIG_CU parameter block.
// The returned slice is heap allocated so its address may be handed to the driver.
func MarshalConfigCU(cus []AmdxdnaCUConfig) []byte {
	buf := Slice[byte](ConfigCUSize(len(cus)))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(cus)))
	for i, cu := range cus {
		off := configCUHeaderSize + i*configCUEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], cu.CUBO)
		buf[off+4] = cu.CUFunc
	}
	return buf
}

// UnmarshalConfigCU decodes a CONFIG_CU parameter block
func UnmarshalConfigCU(data []byte) ([]AmdxdnaCUConfig, error) {
	if len(data) < configCUHeaderSize {
		return nil, MarshalError{What: "config_cu header", Len: len(data), Want: configCUHeaderSize}
	}
	n := int(binary.LittleEndian.Uint16(data[0:2]))
	if want := ConfigCUSize(n); len(data) < want {
		return nil, MarshalError{What: "config_cu entries", Len: len(data), Want: want}
	}
	cus := make([]AmdxdnaCUConfig, n)
	for i := range cus {
		off := configCUHeaderSize + i*configCUEntrySize
		cus[i].CUBO = binary.LittleEndian.Uint32(data[off : off+4])
		cus[i].CUFunc = data[off+4]
	}
	return cus, nil
}

// ERT packet header: state:4 custom:8 count:11 opcode:5 type:4
const (
	ertStateMask   = 0xf
	ertCountShift  = 12
	ertCountMask   = 0x7ff
	ertOpcodeShift = 23
	ertOpcodeMask  = 0x1f
)

// ERT opcodes used by this driver
const (
	ERT_START_CU  = 0
	ERT_CMD_CHAIN = 19
	ERT_START_NPU = 20
)

// ERTHeader assembles a command packet header word
func ERTHeader(state, opcode, count uint32) uint32 {
	return (state & ertStateMask) |
		((count & ertCountMask) << ertCountShift) |
		((opcode & ertOpcodeMask) << ertOpcodeShift)
}

// ERTState extracts the packet state from the first word of a command buffer
func ERTState(pkt []byte) uint32 {
	if len(pkt) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(pkt[0:4]) & ertStateMask
}

// SetERTState rewrites the state bits of a command buffer header
func SetERTState(pkt []byte, state uint32) {
	if len(pkt) < 4 {
		return
	}
	hdr := binary.LittleEndian.Uint32(pkt[0:4])
	hdr = (hdr &^ ertStateMask) | (state & ertStateMask)
	binary.LittleEndian.PutUint32(pkt[0:4], hdr)
}

// ERTOpcode extracts the packet opcode
func ERTOpcode(pkt []byte) uint32 {
	if len(pkt) < 4 {
		return 0
	}
	return (binary.LittleEndian.Uint32(pkt[0:4]) >> ertOpcodeShift) & ertOpcodeMask
}

// Payloads referenced by address from an ioctl argument must not live on a
// goroutine stack, which may be moved while the call is in flight. Alloc and
// Slice always return heap memory.

//go:noinline
func Alloc[T any]() *T {
	return new(T)
}

//go:noinline
func Slice[T any](n int) []T {
	return make([]T, n)
}

// Addr returns the user address of p for embedding in an ioctl argument
func Addr[T any](p *T) uint64 {
	if p == nil {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(p)))
}

// SliceAddr returns the user address of the first element of s, or 0 if empty
func SliceAddr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

// At reinterprets a user address carried in an ioctl argument
func At[T any](addr uint64) *T {
	if addr == 0 {
		return nil
	}
	return (*T)(pointerAt(addr))
}

// SliceAt reinterprets a user address and element count as a slice
func SliceAt[T any](addr uint64, n int) []T {
	if addr == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*T)(pointerAt(addr)), n)
}

// pointerAt turns an address back into a pointer. Addresses only ever come
// from Addr or SliceAddr on memory the caller keeps reachable until the
// ioctl that carries them returns, and the heap does not move, so the
// result refers to the same live object. The pointer checker cannot see
// that provenance through an integer and is switched off here.
//
//go:nocheckptr
func pointerAt(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}
