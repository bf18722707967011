package sigproc

import (
	"errors"
	"fmt"
	"io"
	"os"

	"telecube/internal/codec"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

// Options configure filterbank readers and writers.
type Options struct {
	cube.Options
	// Mmap maps the file read-only instead of issuing positioned reads.
	Mmap bool
}

// Reader iterates the spectra of a filterbank file.
type Reader struct {
	path       string
	file       *os.File
	mapped     []byte
	hdr        header.Header
	dataOffset int64
	rowBytes   int // one polarization of one spectrum
	stepBytes  int // one full time step

	codec   *codec.Codec
	cursor  *cube.Cursor
	block   cube.Block
	raw     []byte
	scratch []float64
}

// Open parses the header of path and prepares block iteration. The file is
// closed again if anything about the header is invalid.
func Open(path string, opts Options) (r *Reader, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	size := info.Size()

	h, hdrLen, err := ParseHeader(io.NewSectionReader(f, 0, size), path)
	if err != nil {
		return nil, err
	}

	enc := h.Encoding()
	if err := enc.Validate(); err != nil {
		return nil, cubeerr.Wrap(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset, err, "nbits=%d", h.BitsPerSample)
	}
	if h.NumChannels <= 0 || h.NumPolarizations <= 0 {
		return nil, cubeerr.New(cubeerr.ErrMalformedHeader, path, cubeerr.NoOffset,
			"nchans=%d nifs=%d", h.NumChannels, h.NumPolarizations)
	}
	if h.NumChannels*h.BitsPerSample%8 != 0 {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset,
			"%d channels of %d bits do not fill whole bytes", h.NumChannels, h.BitsPerSample)
	}

	stepBytes := h.BytesPerTimeStep()
	dataBytes := size - hdrLen
	declared, hasDeclared := h.Native.Lookup("nsamples")
	if hasDeclared && declared.Value.Int*int64(stepBytes) != dataBytes {
		return nil, cubeerr.New(cubeerr.ErrFileSizeMismatch, path, hdrLen,
			"header declares %d bytes of data, file holds %d", declared.Value.Int*int64(stepBytes), dataBytes)
	}
	if dataBytes%int64(stepBytes) != 0 {
		return nil, cubeerr.New(cubeerr.ErrFileSizeMismatch, path, hdrLen,
			"%d data bytes is not a whole number of %d byte spectra", dataBytes, stepBytes)
	}
	h.NumTimeSamples = int(dataBytes / int64(stepBytes))
	if err := h.Validate(); err != nil {
		var ce *cubeerr.Error
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}

	c, err := codec.New(enc, opts.Workers)
	if err != nil {
		return nil, err
	}

	r = &Reader{
		path:       path,
		file:       f,
		hdr:        h,
		dataOffset: hdrLen,
		rowBytes:   h.NumChannels * h.BitsPerSample / 8,
		stepBytes:  stepBytes,
		codec:      c,
		cursor:     cube.NewCursor(h.NumTimeSamples, opts.TimeSamplesPerBlock(h)),
	}
	if opts.Mmap {
		if m, err := mapFile(f, size); err == nil {
			r.mapped = m
		}
	}
	return r, nil
}

func (r *Reader) Path() string { return r.path }

// Header returns the parsed header with NumTimeSamples derived from the file size.
func (r *Reader) Header() header.Header { return r.hdr }

// HeaderBytes is the length of the on-disk header.
func (r *Reader) HeaderBytes() int64 { return r.dataOffset }

// Mapped reports whether reads are served from a memory mapping.
func (r *Reader) Mapped() bool { return r.mapped != nil }

func (r *Reader) readAt(buf []byte, off int64) error {
	if r.mapped != nil {
		if off+int64(len(buf)) > int64(len(r.mapped)) {
			return cubeerr.New(cubeerr.ErrTruncatedData, r.path, off,
				"need %d bytes, mapping ends at %d", len(buf), len(r.mapped))
		}
		copy(buf, r.mapped[off:])
		return nil
	}
	n, err := r.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return cubeerr.New(cubeerr.ErrTruncatedData, r.path, off+int64(n), "need %d bytes, got %d", len(buf), n)
	}
	return fmt.Errorf("failed to read %s at %d: %w", r.path, off, err)
}

func (r *Reader) grow(n int) []byte {
	if cap(r.raw) < n {
		r.raw = make([]byte, n)
	}
	return r.raw[:n]
}

// Next returns the next block of spectra, or io.EOF.
func (r *Reader) Next() (*cube.Block, error) {
	start, n, ok := r.cursor.Advance()
	if !ok {
		return nil, io.EOF
	}

	raw := r.grow(n * r.stepBytes)
	if err := r.readAt(raw, r.dataOffset+int64(start)*int64(r.stepBytes)); err != nil {
		return nil, err
	}
	r.block.Reshape(start, n, r.hdr.NumPolarizations, r.hdr.NumChannels)
	if err := r.codec.Unpack(r.block.Data, raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", r.path, err)
	}
	return &r.block, nil
}

// ReadWindow reads time steps [t0, t0+nt) restricted to channels
// [f0, f0+nf). For each spectrum only the bytes covering the requested
// channels are read.
func (r *Reader) ReadWindow(t0, nt, f0, nf int) (*cube.Block, error) {
	if err := cube.CheckWindow(r.hdr, t0, nt, f0, nf); err != nil {
		var ce *cubeerr.Error
		if errors.As(err, &ce) {
			ce.Path = r.path
		}
		return nil, err
	}

	bits := r.hdr.BitsPerSample
	npol := r.hdr.NumPolarizations
	byteStart := f0 * bits / 8
	byteEnd := codec.PackedSize(f0+nf, bits)
	lead := f0 - byteStart*8/bits
	span := byteEnd - byteStart
	spanSamples := codec.SamplesIn(span, bits)

	rows := nt * npol
	raw := r.grow(rows * span)
	for t := 0; t < nt; t++ {
		for p := 0; p < npol; p++ {
			row := t*npol + p
			off := r.dataOffset + int64(t0+t)*int64(r.stepBytes) + int64(p*r.rowBytes+byteStart)
			if err := r.readAt(raw[row*span:(row+1)*span], off); err != nil {
				return nil, err
			}
		}
	}

	if cap(r.scratch) < rows*spanSamples {
		r.scratch = make([]float64, rows*spanSamples)
	}
	scratch := r.scratch[:rows*spanSamples]
	if err := r.codec.Unpack(scratch, raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", r.path, err)
	}

	r.block.Reshape(t0, nt, npol, nf)
	for row := 0; row < rows; row++ {
		copy(r.block.Data[row*nf:(row+1)*nf], scratch[row*spanSamples+lead:])
	}
	return &r.block, nil
}

// Close releases the mapping and the file. It is safe to call more than once.
func (r *Reader) Close() error {
	var err error
	if r.mapped != nil {
		err = unmapFile(r.mapped)
		r.mapped = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}
