package container

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/scigolib/hdf5"

	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

// Reader serves blocks and windows from the data dataset of an HDF5 file.
// Windows are read as hyperslabs, so only the chunks they intersect are
// read and decompressed.
type Reader struct {
	path   string
	f      *hdf5.File
	ds     *hdf5.Dataset
	hdr    header.Header
	cursor *cube.Cursor
	block  cube.Block
}

// Open reads the header attributes and the dataset shape, and checks that
// the two agree.
func Open(path string, opts Options) (r *Reader, err error) {
	if err := checkLength(path); err != nil {
		return nil, err
	}
	f, err := hdf5.Open(path)
	if err != nil {
		return nil, cubeerr.Wrap(cubeerr.ErrMalformedHeader, path, 0, err, "not an HDF5 file")
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	var ds *hdf5.Dataset
	f.Walk(func(name string, obj hdf5.Object) {
		if d, ok := obj.(*hdf5.Dataset); ok && ds == nil && strings.TrimPrefix(name, "/") == DatasetName {
			ds = d
		}
	})
	if ds == nil {
		return nil, cubeerr.New(cubeerr.ErrMalformedHeader, path, cubeerr.NoOffset, "no %s dataset", DatasetName)
	}

	attrs, err := ds.Attributes()
	if err != nil {
		return nil, cubeerr.Wrap(cubeerr.ErrMalformedHeader, path, cubeerr.NoOffset, err, "attributes of %s", DatasetName)
	}
	var fields []header.Field
	for _, a := range attrs {
		raw, err := a.ReadValue()
		if err != nil {
			return nil, cubeerr.Wrap(cubeerr.ErrMalformedHeader, path, cubeerr.NoOffset, err, "attribute %s", a.Name)
		}
		v, ok := attrValue(raw)
		if !ok {
			if reservedAttrs[a.Name] && a.Name != attrLabels {
				return nil, cubeerr.New(cubeerr.ErrMalformedHeader, path, cubeerr.NoOffset,
					"attribute %s holds %T", a.Name, raw)
			}
			continue
		}
		fields = append(fields, header.Field{Name: a.Name, Value: v})
	}
	h, err := decodeAttrs(path, fields)
	if err != nil {
		return nil, err
	}
	if err := h.Encoding().Validate(); err != nil {
		return nil, cubeerr.Wrap(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset, err, "stored encoding")
	}

	r = &Reader{path: path, f: f, ds: ds}
	if !r.within(0, 0, 0) {
		return nil, cubeerr.New(cubeerr.ErrMalformedHeader, path, cubeerr.NoOffset,
			"%s is not a time x feed x frequency dataset", DatasetName)
	}
	npol, nchan := uint64(h.NumPolarizations), uint64(h.NumChannels)
	if !r.within(0, npol, nchan) || r.within(0, npol+1, nchan) || r.within(0, npol, nchan+1) {
		return nil, cubeerr.New(cubeerr.ErrFileSizeMismatch, path, cubeerr.NoOffset,
			"%s shape disagrees with nifs=%d nchans=%d", DatasetName, npol, nchan)
	}
	h.NumTimeSamples = int(r.extent(npol, nchan))
	if err := h.Validate(); err != nil {
		var ce *cubeerr.Error
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	r.hdr = h

	// Decoding one sample tells whether the element type is readable.
	if h.NumTimeSamples > 0 {
		if _, err := r.ds.ReadSlice([]uint64{0, 0, 0}, []uint64{1, 1, 1}); err != nil {
			return nil, cubeerr.Wrap(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset, err, "samples of %s", DatasetName)
		}
	}
	r.cursor = cube.NewCursor(h.NumTimeSamples, opts.TimeSamplesPerBlock(h))
	return r, nil
}

// checkLength rejects files shorter than the end address their superblock
// records.
func checkLength(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	prefix := make([]byte, 64)
	n, _ := io.ReadFull(f, prefix)
	eof, ok := superblockEOF(prefix[:n])
	if !ok {
		return cubeerr.New(cubeerr.ErrMalformedHeader, path, 0, "no HDF5 superblock")
	}
	if uint64(st.Size()) < eof {
		return cubeerr.New(cubeerr.ErrFileSizeMismatch, path, cubeerr.NoOffset,
			"file is %d bytes, superblock ends it at %d", st.Size(), eof)
	}
	return nil
}

// within reports whether an empty selection at time t spanning npol feeds
// and nchan channels fits the dataset. Empty selections are bounds checked
// without reading any chunk.
func (r *Reader) within(t, npol, nchan uint64) bool {
	_, err := r.ds.ReadSlice([]uint64{t, 0, 0}, []uint64{0, npol, nchan})
	return err == nil
}

// extent finds the length of the time axis.
func (r *Reader) extent(npol, nchan uint64) uint64 {
	hi := uint64(1)
	for r.within(hi, npol, nchan) {
		hi *= 2
	}
	lo := hi / 2 // within(lo) holds, within(hi) does not
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if r.within(mid, npol, nchan) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

func (r *Reader) Path() string { return r.path }

func (r *Reader) Header() header.Header { return r.hdr }

// Next returns the next block, or io.EOF.
func (r *Reader) Next() (*cube.Block, error) {
	start, n, ok := r.cursor.Advance()
	if !ok {
		return nil, io.EOF
	}
	return r.read(start, n, 0, r.hdr.NumChannels)
}

// ReadWindow reads the hyperslab covering the window.
func (r *Reader) ReadWindow(t0, nt, f0, nf int) (*cube.Block, error) {
	if err := cube.CheckWindow(r.hdr, t0, nt, f0, nf); err != nil {
		var ce *cubeerr.Error
		if errors.As(err, &ce) {
			ce.Path = r.path
		}
		return nil, err
	}
	return r.read(t0, nt, f0, nf)
}

func (r *Reader) read(t0, nt, f0, nf int) (*cube.Block, error) {
	npol := r.hdr.NumPolarizations
	data, err := r.ds.ReadSlice(
		[]uint64{uint64(t0), 0, uint64(f0)},
		[]uint64{uint64(nt), uint64(npol), uint64(nf)},
	)
	if err != nil {
		return nil, cubeerr.Wrap(cubeerr.ErrTruncatedData, r.path, cubeerr.NoOffset, err,
			"time samples %d-%d", t0, t0+nt)
	}
	samples, ok := data.([]float64)
	if !ok {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, r.path, cubeerr.NoOffset,
			"%s decodes to %T", DatasetName, data)
	}
	if len(samples) != nt*npol*nf {
		return nil, cubeerr.New(cubeerr.ErrTruncatedData, r.path, cubeerr.NoOffset,
			"time samples %d-%d hold %d values, need %d", t0, t0+nt, len(samples), nt*npol*nf)
	}
	r.block.Reshape(t0, nt, npol, nf)
	copy(r.block.Data, samples)
	return &r.block, nil
}

// Close is safe to call more than once.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
