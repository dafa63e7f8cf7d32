package xdna

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageTableSlots(t *testing.T) {
	tbl := NewPackageTable()
	a := testPackage("conv", 2)
	b := testPackage("gemm", 1)
	require.NoError(t, tbl.Load(a))
	require.NoError(t, tbl.Load(b))
	assert.Same(t, b, tbl.Current())

	require.NoError(t, tbl.Reset(map[SlotID]uuid.UUID{3: a.UUID, 0: b.UUID, 1: a.UUID}))
	assert.Equal(t, []SlotID{1, 3}, tbl.Slots(a.UUID))
	assert.Equal(t, []SlotID{0}, tbl.Slots(b.UUID))

	got, err := tbl.Get(3)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = tbl.Get(2)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = tbl.GetByUUID(b.UUID)
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestPackageTableResetKeepsMapOnError(t *testing.T) {
	tbl := NewPackageTable()
	a := testPackage("conv", 1)
	require.NoError(t, tbl.Load(a))
	require.NoError(t, tbl.Reset(map[SlotID]uuid.UUID{0: a.UUID}))

	unknown := uuid.NewV5(uuid.NamespaceOID, "never-loaded")
	err := tbl.Reset(map[SlotID]uuid.UUID{0: a.UUID, 1: unknown})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), unknown.String())
	assert.Equal(t, []SlotID{0}, tbl.Slots(a.UUID))

	require.NoError(t, tbl.Reset(nil))
	assert.Empty(t, tbl.Slots(a.UUID))
}

func TestPackageTableUnload(t *testing.T) {
	tbl := NewPackageTable()
	a := testPackage("conv", 1)
	b := testPackage("gemm", 1)
	require.NoError(t, tbl.Load(a))
	require.NoError(t, tbl.Load(b))
	require.NoError(t, tbl.Reset(map[SlotID]uuid.UUID{0: a.UUID}))

	assert.ErrorIs(t, tbl.Unload(a.UUID), ErrBusy)

	require.NoError(t, tbl.Unload(b.UUID))
	assert.Nil(t, tbl.Current())
	assert.ErrorIs(t, tbl.Unload(b.UUID), ErrNotFound)
	_, err := tbl.GetByUUID(b.UUID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []uuid.UUID{a.UUID}, tbl.UUIDs())
}

func TestPackageTableRejectsInvalidPackages(t *testing.T) {
	tbl := NewPackageTable()
	assert.ErrorIs(t, tbl.Load(nil), ErrInvalidParameters)

	pkg := testPackage("no-columns", 1)
	pkg.Partition.Columns = 0
	assert.ErrorIs(t, tbl.Load(pkg), ErrInvalidParameters)
	assert.Empty(t, tbl.UUIDs())
	assert.Nil(t, tbl.Current())

	// The compute unit function travels to the driver as a single byte
	pkg = testPackage("wide-function", 1)
	pkg.Kernels[0].FunctionalID = 256
	assert.ErrorIs(t, tbl.Load(pkg), ErrInvalidParameters)
	assert.Empty(t, tbl.UUIDs())
}

func TestPackageTableUUIDsSorted(t *testing.T) {
	tbl := NewPackageTable()
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tbl.Load(testPackage(name, 1)))
	}
	ids := tbl.UUIDs()
	require.Len(t, ids, 4)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1].String(), ids[i].String())
	}
}

func TestLoadPackageOnClosedDevice(t *testing.T) {
	r := newRig(t, GenerationKMQ)
	s, d := r.open()

	pkg := testPackage("conv", 1)
	require.NoError(t, d.LoadPackage(pkg))
	assert.Same(t, pkg, d.Packages().Current())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, d.LoadPackage(pkg), ErrSessionClosed)
}
