package workload

import (
	"bytes"
	"testing"
	"testing/fstest"

	"github.com/gofrs/uuid"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageForExactMatch(t *testing.T) {
	p := Partition{
		Images: []Image{
			{KernelIDs: []uint32{0x1, 0x2}, Binary: []byte("first")},
			{KernelIDs: []uint32{0x10}, Binary: []byte("second")},
		},
	}

	img, err := p.ImageFor(0x2)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), img)

	img, err = p.ImageFor(0x10)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), img)

	_, err = p.ImageFor(0x11)
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.EqualError(t, err, "image not found for kernel id 0x11")
}

func TestComputeUnitName(t *testing.T) {
	assert.Equal(t, "DPU:dpu_0", Kernel{Name: "DPU", CUName: "DPU:dpu_0"}.ComputeUnit())
	assert.Equal(t, "DPU", Kernel{Name: "DPU"}.ComputeUnit())
}

func TestValidate(t *testing.T) {
	good := &Package{
		UUID:      uuid.Must(uuid.NewV4()),
		Kernels:   []Kernel{{Name: "a"}, {Name: "b"}},
		Partition: Partition{Columns: 1},
	}
	require.NoError(t, good.Validate())

	noID := *good
	noID.UUID = uuid.Nil
	assert.Error(t, noID.Validate())

	dup := *good
	dup.Kernels = []Kernel{{Name: "x", CUName: "cu"}, {Name: "y", CUName: "cu"}}
	assert.Error(t, dup.Validate())

	noCols := *good
	noCols.Partition.Columns = 0
	assert.Error(t, noCols.Validate())

	wide := *good
	wide.Kernels = []Kernel{{Name: "a", FunctionalID: MaxFunctionalID}, {Name: "b", FunctionalID: MaxFunctionalID + 1}}
	err := wide.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "functional id 256")

	wide.Kernels = wide.Kernels[:1]
	assert.NoError(t, wide.Validate())
}

func TestCompressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 4096)
	z, err := CompressImage(raw)
	require.NoError(t, err)
	assert.Less(t, len(z), len(raw))

	out, err := DecompressImage(z)
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	_, err = DecompressImage([]byte("not an lz4 frame"))
	assert.Error(t, err)
}

func TestParseManifest(t *testing.T) {
	pdi := bytes.Repeat([]byte("pdi0"), 64)
	z, err := CompressImage(pdi)
	require.NoError(t, err)

	files := fstest.MapFS{
		"add_one.pdi":     {Data: []byte("raw image")},
		"add_two.pdi.lz4": {Data: z},
	}
	manifest := []byte(`
uuid: 6ba7b812-9dad-11d1-80b4-00c04fd430c8
name: add
partition:
  ops_per_cycle: 2048
  columns: 4
  images:
    - kernel_ids: [0x1]
      file: add_one.pdi
    - kernel_ids: [0x2, 0x3]
      file: add_two.pdi.lz4
      compression: lz4
kernels:
  - name: DPU
    cu_name: DPU:add_one
    functional_id: 0
    kernel_id: 0x1
  - name: DPU
    cu_name: DPU:add_two
    functional_id: 1
    kernel_id: 0x2
`)

	pkg, err := ParseManifest(manifest, files)
	require.NoError(t, err)

	want := &Package{
		UUID: uuid.Must(uuid.FromString("6ba7b812-9dad-11d1-80b4-00c04fd430c8")),
		Name: "add",
		Kernels: []Kernel{
			{Name: "DPU", CUName: "DPU:add_one", FunctionalID: 0, KernelID: 1},
			{Name: "DPU", CUName: "DPU:add_two", FunctionalID: 1, KernelID: 2},
		},
		Partition: Partition{
			OpsPerCycle: 2048,
			Columns:     4,
			Images: []Image{
				{KernelIDs: []uint32{1}, Binary: []byte("raw image")},
				{KernelIDs: []uint32{2, 3}, Binary: pdi},
			},
		},
	}
	if diff := cmp.Diff(want, pkg); diff != "" {
		t.Errorf("package mismatch (-want +got):\n%s", diff)
	}
}

func TestParseManifestDerivesUUID(t *testing.T) {
	manifest := []byte("name: demo\npartition:\n  columns: 1\n")
	a, err := ParseManifest(manifest, fstest.MapFS{})
	require.NoError(t, err)
	b, err := ParseManifest(manifest, fstest.MapFS{})
	require.NoError(t, err)
	assert.Equal(t, a.UUID, b.UUID)
	assert.NotEqual(t, uuid.Nil, a.UUID)
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"no identity", "partition:\n  columns: 1\n"},
		{"bad uuid", "uuid: nope\npartition:\n  columns: 1\n"},
		{"unknown field", "name: x\ncolour: blue\n"},
		{"missing image", "name: x\npartition:\n  columns: 1\n  images:\n    - kernel_ids: [1]\n      file: gone.pdi\n"},
		{"bad compression", "name: x\npartition:\n  columns: 1\n  images:\n    - kernel_ids: [1]\n      file: a.pdi\n      compression: zstd\n"},
	}
	files := fstest.MapFS{"a.pdi": {Data: []byte("a")}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.manifest), files)
			assert.Error(t, err)
		})
	}
}
