package xdna

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/ehrlich-b/go-xdna/workload"
)

// SlotID identifies one concurrently loaded package on a device
type SlotID uint32

// PackageTable holds the packages loaded on a device and the slot map.
// The slot map is authoritative; the current package is the most recent
// load, kept for callers that only ever use one package.
type PackageTable struct {
	mu      sync.RWMutex
	loaded  map[uuid.UUID]*workload.Package
	slots   map[SlotID]uuid.UUID
	current *workload.Package
}

// NewPackageTable returns an empty table
func NewPackageTable() *PackageTable {
	return &PackageTable{
		loaded: make(map[uuid.UUID]*workload.Package),
		slots:  make(map[SlotID]uuid.UUID),
	}
}

// Load records a package. Loading the same uuid again replaces it.
func (t *PackageTable) Load(pkg *workload.Package) error {
	if pkg == nil {
		return NewError("load_package", ErrCodeInvalidParameters, "nil package")
	}
	if err := pkg.Validate(); err != nil {
		return &Error{Op: "load_package", Code: ErrCodeInvalidParameters, Msg: err.Error(), Inner: err}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded[pkg.UUID] = pkg
	t.current = pkg
	return nil
}

// Unload forgets a package. A package still mapped to a slot is busy.
func (t *PackageTable) Unload(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.loaded[id]; !ok {
		return notLoaded("unload_package", id)
	}
	for slot, u := range t.slots {
		if u == id {
			return NewError("unload_package", ErrCodeBusy, fmt.Sprintf("package %s is mapped to slot %d", id, slot))
		}
	}
	delete(t.loaded, id)
	if t.current != nil && t.current.UUID == id {
		t.current = nil
	}
	return nil
}

// Reset replaces the slot map. Every uuid must already be loaded; on error
// the previous map is kept.
func (t *PackageTable) Reset(m map[SlotID]uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range m {
		if _, ok := t.loaded[id]; !ok {
			return notLoaded("reset_slots", id)
		}
	}
	slots := make(map[SlotID]uuid.UUID, len(m))
	for s, id := range m {
		slots[s] = id
	}
	t.slots = slots
	return nil
}

// Get returns the package mapped to slot
func (t *PackageTable) Get(slot SlotID) (*workload.Package, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.slots[slot]
	if !ok {
		return nil, NewError("get_package", ErrCodeNotFound, fmt.Sprintf("no package mapped to slot %d", slot))
	}
	pkg, ok := t.loaded[id]
	if !ok {
		return nil, notLoaded("get_package", id)
	}
	return pkg, nil
}

// GetByUUID returns a loaded package
func (t *PackageTable) GetByUUID(id uuid.UUID) (*workload.Package, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pkg, ok := t.loaded[id]
	if !ok {
		return nil, notLoaded("get_package", id)
	}
	return pkg, nil
}

// Slots returns the slots mapped to id in ascending order
func (t *PackageTable) Slots(id uuid.UUID) []SlotID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []SlotID
	for s, u := range t.slots {
		if u == id {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// Current returns the most recently loaded package, or nil
func (t *PackageTable) Current() *workload.Package {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// UUIDs returns the loaded package ids
func (t *PackageTable) UUIDs() []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(t.loaded))
	for id := range t.loaded {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	return out
}

func notLoaded(op string, id uuid.UUID) *Error {
	return NewError(op, ErrCodeNotFound, fmt.Sprintf("package %s is not loaded", id))
}
