// Package workload describes the parts of a compiled workload package the
// runtime consumes: the kernel entry points and the partition with its
// per-kernel images.
package workload

import (
	"fmt"
	"math"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ErrImageNotFound matches every ImageNotFoundError
var ErrImageNotFound = errors.New("image not found")

// ImageNotFoundError reports a kernel id no partition image covers
type ImageNotFoundError struct {
	KernelID uint32
}

func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("image not found for kernel id %#x", e.KernelID)
}

func (e *ImageNotFoundError) Is(target error) bool {
	return target == ErrImageNotFound
}

// MaxFunctionalID is the largest compute unit function the driver encodes
const MaxFunctionalID = math.MaxUint8

// Kernel is one entry point of the workload
type Kernel struct {
	Name         string
	CUName       string
	FunctionalID uint32
	KernelID     uint32
}

// ComputeUnit returns the name the compute unit is opened by
func (k Kernel) ComputeUnit() string {
	if k.CUName != "" {
		return k.CUName
	}
	return k.Name
}

// Image is a partition image and the kernels it serves
type Image struct {
	KernelIDs []uint32
	Binary    []byte
}

// Partition is the tile partition a workload runs on
type Partition struct {
	OpsPerCycle uint32
	Columns     uint32
	Images      []Image
}

// ImageFor returns the image serving kernel id. Ids match exactly.
func (p *Partition) ImageFor(id uint32) ([]byte, error) {
	for _, img := range p.Images {
		for _, kid := range img.KernelIDs {
			if kid == id {
				return img.Binary, nil
			}
		}
	}
	return nil, &ImageNotFoundError{KernelID: id}
}

// Package is a loaded workload
type Package struct {
	UUID      uuid.UUID
	Name      string
	Kernels   []Kernel
	Partition Partition
}

// Validate checks the structural requirements of a package. It does not
// require every kernel to have an image.
func (p *Package) Validate() error {
	if p.UUID == uuid.Nil {
		return errors.New("workload: package has no uuid")
	}
	if p.Partition.Columns == 0 {
		return errors.Errorf("workload: package %s has a zero column partition", p.UUID)
	}
	seen := make(map[string]bool, len(p.Kernels))
	for _, k := range p.Kernels {
		cu := k.ComputeUnit()
		if cu == "" {
			return errors.Errorf("workload: package %s has an unnamed kernel", p.UUID)
		}
		if k.FunctionalID > MaxFunctionalID {
			return errors.Errorf("workload: kernel %q has functional id %d, the driver takes at most %d",
				cu, k.FunctionalID, MaxFunctionalID)
		}
		if seen[cu] {
			return errors.Errorf("workload: package %s declares compute unit %q twice", p.UUID, cu)
		}
		seen[cu] = true
	}
	return nil
}
