package xdna

import (
	"fmt"
	"runtime"
	"sync"
	"weak"
)

// Handle is the opaque process-wide name of an open device
type Handle uint64

// registry maps handles to devices without keeping them alive. The session
// that opened a device is its only strong owner.
type registry struct {
	mu   sync.Mutex
	next Handle
	devs map[Handle]weak.Pointer[Device]
}

func newRegistry() *registry {
	return &registry{devs: make(map[Handle]weak.Pointer[Device])}
}

// reserve hands out a fresh handle
func (r *registry) reserve() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next
}

// register records d under h. A handle that still names a live device is a
// bug in the caller: two owners for one device would close it twice.
func (r *registry) register(h Handle, d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wp, ok := r.devs[h]; ok && wp.Value() != nil {
		return NewError("register_device", ErrCodePrecondition,
			fmt.Sprintf("handle %d already has a live owner", h))
	}
	r.devs[h] = weak.Make(d)
	runtime.AddCleanup(d, r.collected, h)
	return nil
}

// collected drops entries whose device was garbage collected without an
// explicit close
func (r *registry) collected(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wp, ok := r.devs[h]; ok && wp.Value() == nil {
		delete(r.devs, h)
	}
}

func (r *registry) remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devs, h)
}

// lookup returns the device behind h, or nil
func (r *registry) lookup(h Handle) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	wp, ok := r.devs[h]
	if !ok {
		return nil
	}
	return wp.Value()
}

// live counts entries whose device is still reachable
func (r *registry) live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, wp := range r.devs {
		if wp.Value() != nil {
			n++
		}
	}
	return n
}
