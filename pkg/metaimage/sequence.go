package metaimage

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"usrecon/internal/models"
	"usrecon/pkg/transform"
)

// DefaultTransformName is the per-frame field holding the tool pose when the
// header does not name one.
const DefaultTransformName = "ToolToTrackerTransform"

// Sequence is a tracked frame sequence read from a MetaImage file.
type Sequence struct {
	Header *Header

	// TransformName is the per-frame pose field used for ToolToReference
	TransformName string

	Frames models.FrameList
}

// Len returns the number of frames.
func (s *Sequence) Len() int { return s.Frames.Len() }

// Frame returns frame i.
func (s *Sequence) Frame(i int) (*models.TrackedFrame, error) { return s.Frames.Frame(i) }

func frameField(i int, name string) string {
	return fmt.Sprintf("Seq_Frame%04d_%s", i, name)
}

// ReadSequenceFile reads a tracked frame sequence. Data referenced through
// ElementDataFile is resolved relative to the header file.
func ReadSequenceFile(path string) (*Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seq, err := ReadSequence(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("reading sequence %s: %w", path, err)
	}
	return seq, nil
}

// ReadSequence parses a sequence from r. dir resolves external data files.
// Frames whose pose field is absent or whose status is not OK get a nil pose.
func ReadSequence(r io.Reader, dir string) (*Sequence, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	dims, err := h.Ints("DimSize")
	if err != nil {
		return nil, err
	}
	if len(dims) == 2 {
		dims = append(dims, 1)
	}
	if len(dims) != 3 {
		return nil, fmt.Errorf("%w: DimSize needs 2 or 3 values, got %v", ErrFormat, dims)
	}
	width, height, count := dims[0], dims[1], dims[2]

	channels := 1
	if _, ok := h.Get("ElementNumberOfChannels"); ok {
		c, err := h.Ints("ElementNumberOfChannels")
		if err != nil || len(c) != 1 || c[0] < 1 {
			return nil, fmt.Errorf("%w: bad ElementNumberOfChannels", ErrFormat)
		}
		channels = c[0]
	}

	elemName, _ := h.Get("ElementType")
	elemType := ElementType(elemName)
	elemSize, err := elemType.Size()
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	if h.Bool("BinaryDataByteOrderMSB", false) || h.Bool("ElementByteOrderMSB", false) {
		order = binary.BigEndian
	}

	data, err := openData(br, h, dir)
	if err != nil {
		return nil, err
	}
	defer data.Close()

	frameBytes := width * height * channels * elemSize
	transformName := DefaultTransformName
	if name, ok := h.Get("DefaultFrameTransformName"); ok && name != "" {
		transformName = name
	}

	seq := &Sequence{Header: h, TransformName: transformName, Frames: make(models.FrameList, count)}
	buf := make([]byte, frameBytes)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(data, buf); err != nil {
			return nil, fmt.Errorf("%w: pixel data of frame %d: %v", ErrFormat, i, err)
		}
		samples, err := elemType.decode(buf, order)
		if err != nil {
			return nil, err
		}
		grid := models.NewPixelGrid(width, height)
		for p := range grid.Pix {
			grid.Pix[p] = samples[p*channels]
		}

		pose, err := framePose(h, i, transformName)
		if err != nil {
			return nil, err
		}
		frame := &models.TrackedFrame{Index: i, Image: grid, ToolToReference: pose}
		if ts, err := h.Floats(frameField(i, "Timestamp")); err == nil && len(ts) == 1 {
			frame.Timestamp = time.Duration(ts[0] * float64(time.Second))
		}
		seq.Frames[i] = frame
	}
	return seq, nil
}

func framePose(h *Header, i int, name string) (*transform.Matrix4, error) {
	key := frameField(i, name)
	if _, ok := h.Get(key); !ok {
		return nil, nil
	}
	if status, ok := h.Get(key + "Status"); ok && !strings.EqualFold(status, "OK") {
		return nil, nil
	}
	values, err := h.Floats(key)
	if err != nil {
		return nil, err
	}
	m, err := transform.FromSlice(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, key, err)
	}
	return &m, nil
}

func openData(br *bufio.Reader, h *Header, dir string) (io.ReadCloser, error) {
	var src io.ReadCloser = io.NopCloser(br)
	dataFile, _ := h.Get("ElementDataFile")
	if !strings.EqualFold(dataFile, "LOCAL") {
		if !filepath.IsAbs(dataFile) {
			dataFile = filepath.Join(dir, dataFile)
		}
		f, err := os.Open(dataFile)
		if err != nil {
			return nil, fmt.Errorf("opening element data file: %w", err)
		}
		src = f
	}
	if !h.Bool("CompressedData", false) {
		return src, nil
	}
	zr, err := zlib.NewReader(src)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("%w: compressed data: %v", ErrFormat, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, closeBoth{zr, src}}, nil
}

type closeBoth [2]io.Closer

func (c closeBoth) Close() error {
	err := c[0].Close()
	if err2 := c[1].Close(); err == nil {
		err = err2
	}
	return err
}

// WriteSequence writes frames as an uncompressed MET_FLOAT sequence. Frames
// must share one size; frames without a pose are written with status INVALID.
func WriteSequence(w io.Writer, frames models.FrameList, transformName string) error {
	if len(frames) == 0 {
		return fmt.Errorf("%w: no frames to write", ErrFormat)
	}
	if transformName == "" {
		transformName = DefaultTransformName
	}
	width, height := frames[0].Image.Width, frames[0].Image.Height

	h := NewHeader()
	h.Set("ObjectType", "Image")
	h.Set("NDims", "3")
	h.Set("BinaryData", "True")
	h.Set("BinaryDataByteOrderMSB", "False")
	h.Set("CompressedData", "False")
	h.Set("DimSize", fmt.Sprintf("%d %d %d", width, height, len(frames)))
	h.Set("ElementNumberOfChannels", "1")
	h.Set("ElementSpacing", "1 1 1")
	h.Set("ElementType", string(MetFloat))
	h.Set("DefaultFrameTransformName", transformName)
	for i, f := range frames {
		if f.Image.Width != width || f.Image.Height != height {
			return fmt.Errorf("%w: frame %d is %dx%d, expected %dx%d",
				ErrFormat, i, f.Image.Width, f.Image.Height, width, height)
		}
		key := frameField(i, transformName)
		if f.HasPose() {
			h.Set(key, formatFloats(f.ToolToReference[:]...))
			h.Set(key+"Status", "OK")
		} else {
			identity := transform.Identity()
			h.Set(key, formatFloats(identity[:]...))
			h.Set(key+"Status", "INVALID")
		}
		h.Set(frameField(i, "Timestamp"), formatFloats(f.Timestamp.Seconds()))
	}
	h.Set("ElementDataFile", "LOCAL")

	if err := writeHeader(w, h); err != nil {
		return err
	}
	var payload bytes.Buffer
	for _, f := range frames {
		payload.Write(encodeFloat32(f.Image.Pix))
	}
	_, err := w.Write(payload.Bytes())
	return err
}
