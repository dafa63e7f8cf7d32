package xdna

import (
	"fmt"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-xdna/internal/logging"
	"github.com/ehrlich-b/go-xdna/internal/simkernel"
	"github.com/ehrlich-b/go-xdna/workload"
)

// rig is one simulated process talking to a shared simulated driver
type rig struct {
	t        *testing.T
	drv      *simkernel.Driver
	proc     *simkernel.Process
	platform *Platform
	metrics  *Metrics
}

func newRig(t *testing.T, gen Generation, opts ...simkernel.Option) *rig {
	t.Helper()
	return attachRig(t, simkernel.NewDriver(opts...), gen)
}

// attachRig adds another process to drv
func attachRig(t *testing.T, drv *simkernel.Driver, gen Generation) *rig {
	t.Helper()
	proc := drv.NewProcess()
	cfg := DefaultConfig()
	cfg.DeviceNodes = []string{SimulatedNode}
	cfg.Generation = gen.String()

	m := NewMetrics()
	p, err := NewPlatform(cfg,
		WithKernel(proc),
		WithLogger(logging.Nop()),
		WithObserver(NewMetricsObserver(m)))
	require.NoError(t, err)
	return &rig{t: t, drv: drv, proc: proc, platform: p, metrics: m}
}

func (r *rig) pid() int { return r.proc.Getpid() }

// open starts a session that is closed when the test ends
func (r *rig) open() (*Session, *Device) {
	r.t.Helper()
	s, err := r.platform.Open(0)
	require.NoError(r.t, err)
	r.t.Cleanup(func() { s.Close() })
	return s, s.Device()
}

// testPackage builds a package with one image per kernel
func testPackage(name string, kernels int) *workload.Package {
	pkg := &workload.Package{
		UUID: uuid.NewV5(uuid.NamespaceOID, name),
		Name: name,
		Partition: workload.Partition{
			OpsPerCycle: 2048,
			Columns:     2,
		},
	}
	for i := 0; i < kernels; i++ {
		id := uint32(0x100 + i)
		pkg.Kernels = append(pkg.Kernels, workload.Kernel{
			Name:         "DPU",
			CUName:       fmt.Sprintf("DPU:dpu_%d", i),
			FunctionalID: uint32(i),
			KernelID:     id,
		})
		pkg.Partition.Images = append(pkg.Partition.Images, workload.Image{
			KernelIDs: []uint32{id},
			Binary:    []byte(fmt.Sprintf("pdi image %d for %s", i, name)),
		})
	}
	return pkg
}

// newContext loads pkg and creates a context for it
func newContext(t *testing.T, d *Device, pkg *workload.Package, opts *ContextOptions) *HwContext {
	t.Helper()
	require.NoError(t, d.LoadPackage(pkg))
	ctx, err := d.CreateHwContext(pkg.UUID, QoS{"gops": 100}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}
