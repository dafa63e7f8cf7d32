package workload

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Manifest layout:
//
//	uuid: 8d3c8f3e-...        # optional, derived from name when absent
//	name: add_one
//	partition:
//	  ops_per_cycle: 2048
//	  columns: 4
//	  images:
//	    - kernel_ids: [0x1]
//	      file: add_one.pdi.lz4
//	      compression: lz4
//	kernels:
//	  - name: DPU
//	    cu_name: DPU:dpu_0
//	    functional_id: 0
//	    kernel_id: 0x1
type manifest struct {
	UUID      string            `yaml:"uuid"`
	Name      string            `yaml:"name"`
	Partition manifestPartition `yaml:"partition"`
	Kernels   []manifestKernel  `yaml:"kernels"`
}

type manifestPartition struct {
	OpsPerCycle uint32          `yaml:"ops_per_cycle"`
	Columns     uint32          `yaml:"columns"`
	Images      []manifestImage `yaml:"images"`
}

type manifestImage struct {
	KernelIDs   []uint32 `yaml:"kernel_ids"`
	File        string   `yaml:"file"`
	Compression string   `yaml:"compression"`
}

type manifestKernel struct {
	Name         string `yaml:"name"`
	CUName       string `yaml:"cu_name"`
	FunctionalID uint32 `yaml:"functional_id"`
	KernelID     uint32 `yaml:"kernel_id"`
}

// LoadManifest reads a manifest file. Image paths are relative to the
// manifest's directory.
func LoadManifest(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "workload: read manifest")
	}
	return ParseManifest(data, os.DirFS(filepath.Dir(path)))
}

// ParseManifest decodes a manifest, reading images from images
func ParseManifest(data []byte, images fs.FS) (*Package, error) {
	var m manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "workload: decode manifest")
	}

	pkg := &Package{
		Name: m.Name,
		Partition: Partition{
			OpsPerCycle: m.Partition.OpsPerCycle,
			Columns:     m.Partition.Columns,
		},
	}
	switch {
	case m.UUID != "":
		id, err := uuid.FromString(m.UUID)
		if err != nil {
			return nil, errors.Wrapf(err, "workload: uuid %q", m.UUID)
		}
		pkg.UUID = id
	case m.Name != "":
		pkg.UUID = uuid.NewV5(uuid.NamespaceOID, m.Name)
	default:
		return nil, errors.New("workload: manifest needs a uuid or a name")
	}

	for _, k := range m.Kernels {
		pkg.Kernels = append(pkg.Kernels, Kernel{
			Name:         k.Name,
			CUName:       k.CUName,
			FunctionalID: k.FunctionalID,
			KernelID:     k.KernelID,
		})
	}
	for i, img := range m.Partition.Images {
		bin, err := readImage(images, img)
		if err != nil {
			return nil, errors.Wrapf(err, "workload: image %d", i)
		}
		pkg.Partition.Images = append(pkg.Partition.Images, Image{
			KernelIDs: img.KernelIDs,
			Binary:    bin,
		})
	}

	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}

func readImage(images fs.FS, img manifestImage) ([]byte, error) {
	if img.File == "" {
		return nil, errors.New("no file")
	}
	raw, err := fs.ReadFile(images, img.File)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(img.Compression) {
	case "", "none":
		return raw, nil
	case "lz4":
		return DecompressImage(raw)
	}
	return nil, errors.Errorf("unknown compression %q", img.Compression)
}

// CompressImage encodes an image as an lz4 frame
func CompressImage(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	return buf.Bytes(), nil
}

// DecompressImage decodes an lz4 frame
func DecompressImage(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	return out, nil
}
