package metaimage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"usrecon/internal/models"
	"usrecon/pkg/transform"
)

// WriteVolumeFile writes vol to path as a MET_FLOAT MetaImage.
func WriteVolumeFile(path string, vol models.Volume) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating volume file: %w", err)
	}
	if err := WriteVolume(f, vol); err != nil {
		f.Close()
		return fmt.Errorf("writing volume file: %w", err)
	}
	return f.Close()
}

// WriteVolume writes vol with its spacing and origin; the voxel extent maps
// to DimSize.
func WriteVolume(w io.Writer, vol models.Volume) error {
	nx, ny, nz := vol.Dims()
	if len(vol.Data) != nx*ny*nz {
		return fmt.Errorf("%w: volume has %d samples for %dx%dx%d voxels", ErrFormat, len(vol.Data), nx, ny, nz)
	}
	h := NewHeader()
	h.Set("ObjectType", "Image")
	h.Set("NDims", "3")
	h.Set("BinaryData", "True")
	h.Set("BinaryDataByteOrderMSB", "False")
	h.Set("CompressedData", "False")
	h.Set("TransformMatrix", "1 0 0 0 1 0 0 0 1")
	h.Set("Offset", formatFloats(vol.Origin.X, vol.Origin.Y, vol.Origin.Z))
	h.Set("ElementSpacing", formatFloats(vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z))
	h.Set("DimSize", fmt.Sprintf("%d %d %d", nx, ny, nz))
	h.Set("ElementType", string(MetFloat))
	h.Set("ElementDataFile", "LOCAL")
	if err := writeHeader(w, h); err != nil {
		return err
	}
	_, err := w.Write(encodeFloat32(vol.Data))
	return err
}

// ReadVolumeFile reads a single-channel volume written by WriteVolumeFile or
// any uncompressed scalar MetaImage with local data.
func ReadVolumeFile(path string) (models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Volume{}, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	h, err := readHeader(br)
	if err != nil {
		return models.Volume{}, err
	}
	dims, err := h.Ints("DimSize")
	if err != nil || len(dims) != 3 {
		return models.Volume{}, fmt.Errorf("%w: DimSize", ErrFormat)
	}
	var vol models.Volume
	vol.Extent = models.Extent{0, dims[0] - 1, 0, dims[1] - 1, 0, dims[2] - 1}
	vol.Spacing = r3.Vec{X: 1, Y: 1, Z: 1}
	if s, err := h.Floats("ElementSpacing"); err == nil && len(s) == 3 {
		vol.Spacing = r3.Vec{X: s[0], Y: s[1], Z: s[2]}
	}
	if o, err := h.Floats("Offset"); err == nil && len(o) == 3 {
		vol.Origin = r3.Vec{X: o[0], Y: o[1], Z: o[2]}
	}

	elemName, _ := h.Get("ElementType")
	elemType := ElementType(elemName)
	size, err := elemType.Size()
	if err != nil {
		return models.Volume{}, err
	}
	if dataFile, _ := h.Get("ElementDataFile"); !strings.EqualFold(dataFile, "LOCAL") || h.Bool("CompressedData", false) {
		return models.Volume{}, fmt.Errorf("%w: only uncompressed local volume data is supported", ErrFormat)
	}
	raw := make([]byte, dims[0]*dims[1]*dims[2]*size)
	if _, err := io.ReadFull(br, raw); err != nil {
		return models.Volume{}, fmt.Errorf("%w: volume data: %v", ErrFormat, err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if h.Bool("BinaryDataByteOrderMSB", false) {
		order = binary.BigEndian
	}
	vol.Data, err = elemType.decode(raw, order)
	return vol, err
}

// FrameFileName inserts a zero padded frame index before the extension:
// image.mha becomes image007.mha.
func FrameFileName(base string, index int) string {
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s%03d%s", strings.TrimSuffix(base, ext), index, ext)
}

// WriteFrameFile writes one slice positioned by its image-to-reference
// transform, so that viewers display it in reference space.
func WriteFrameFile(path string, grid models.PixelGrid, imageToReference transform.Matrix4) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating frame directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating frame file: %w", err)
	}
	if err := WriteFrame(f, grid, imageToReference); err != nil {
		f.Close()
		return fmt.Errorf("writing frame file: %w", err)
	}
	return f.Close()
}

// WriteFrame writes a slice as a one-voxel-thick volume. The transform is
// split into per-axis spacing (column lengths), direction cosines
// (TransformMatrix, one axis after another) and Offset.
func WriteFrame(w io.Writer, grid models.PixelGrid, imageToReference transform.Matrix4) error {
	if err := imageToReference.ValidateSlicePlacement(); err != nil {
		return err
	}
	axes := [3]r3.Vec{imageToReference.Column(0), imageToReference.Column(1), imageToReference.Column(2)}
	if r3.Norm(axes[2]) == 0 {
		axes[2] = r3.Unit(r3.Cross(axes[0], axes[1]))
	}
	var spacing [3]float64
	var direction []float64
	for i, a := range axes {
		spacing[i] = r3.Norm(a)
		u := r3.Unit(a)
		direction = append(direction, u.X, u.Y, u.Z)
	}
	for _, v := range direction {
		if math.IsNaN(v) {
			return fmt.Errorf("%w: degenerate frame axes", transform.ErrSingular)
		}
	}

	h := NewHeader()
	h.Set("ObjectType", "Image")
	h.Set("NDims", "3")
	h.Set("BinaryData", "True")
	h.Set("BinaryDataByteOrderMSB", "False")
	h.Set("CompressedData", "False")
	h.Set("TransformMatrix", formatFloats(direction...))
	h.Set("Offset", formatFloats(imageToReference[3], imageToReference[7], imageToReference[11]))
	h.Set("ElementSpacing", formatFloats(spacing[:]...))
	h.Set("DimSize", fmt.Sprintf("%d %d 1", grid.Width, grid.Height))
	h.Set("ElementType", string(MetFloat))
	h.Set("ElementDataFile", "LOCAL")
	if err := writeHeader(w, h); err != nil {
		return err
	}
	_, err := w.Write(encodeFloat32(grid.Pix))
	return err
}
