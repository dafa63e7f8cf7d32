package xdna

import (
	"sync"

	"github.com/ehrlich-b/go-xdna/internal/kernel"
)

// SharedHandle is an exported descriptor for a buffer or fence. The number
// from ExportHandle, together with the exporting pid, is what another
// process passes to ImportBO or ImportFence.
type SharedHandle struct {
	kern kernel.Kernel
	fd   int
	once sync.Once
	err  error
}

func newSharedHandle(k kernel.Kernel, fd int) *SharedHandle {
	return &SharedHandle{kern: k, fd: fd}
}

// ExportHandle returns the descriptor number in the exporting process
func (s *SharedHandle) ExportHandle() int {
	return s.fd
}

// Close closes the descriptor. Importers that already duplicated it are
// unaffected.
func (s *SharedHandle) Close() error {
	s.once.Do(func() {
		if err := s.kern.Close(s.fd); err != nil {
			s.err = WrapError("close_shared_handle", err)
		}
	})
	return s.err
}
