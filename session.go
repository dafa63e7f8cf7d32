package xdna

import (
	"sync"
	"sync/atomic"
)

// Session exclusively owns one open Device. Closing the session releases
// every resource still held by the device and drops its reference on the
// device node; the device is unusable afterwards.
type Session struct {
	dev      *Device
	platform *Platform

	closed atomic.Bool
	once   sync.Once
	err    error
}

// Device returns the owned device, or nil once the session is closed
func (s *Session) Device() *Device {
	if s.closed.Load() {
		return nil
	}
	return s.dev
}

// Handle returns the registry handle of the owned device
func (s *Session) Handle() Handle {
	return s.dev.handle
}

// Close consumes the session. Later calls return the first result.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.platform.reg.remove(s.dev.handle)
		s.err = s.dev.close()
		s.platform.log.Info("session closed", "device", s.dev.id, "handle", uint64(s.dev.handle), "ok", s.err == nil)
	})
	return s.err
}
