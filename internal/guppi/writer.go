package guppi

import (
	"bufio"
	"fmt"
	"os"

	"telecube/internal/codec"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

// Writer buffers one sub-block at a time and writes it with its own header
// card set. The last sub-block may be short; its BLOCSIZE says so.
type Writer struct {
	path     string
	file     *os.File
	buf      *bufio.Writer
	hdr      header.Header
	codec    *codec.Codec
	tmpl     template
	directIO bool

	ntime   int // time samples per full sub-block
	cell    int
	raw     []byte // channel-major, ntime*cell bytes per channel
	filled  int
	scratch []float64

	pktidx  int64
	pktStep int64
	written int
	closed  bool
}

// Create truncates path and prepares to write sub-blocks described by h.
func Create(path string, h header.Header, opts Options) (*Writer, error) {
	enc := h.Encoding()
	if !SupportsEncoding(enc) {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset,
			"raw files cannot store %s samples", enc)
	}
	if err := h.Validate(); err != nil {
		return nil, withPath(err, path)
	}
	if h.NumPolarizations*h.BitsPerSample%8 != 0 {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset,
			"%d polarizations of %d bits do not fill whole bytes", h.NumPolarizations, h.BitsPerSample)
	}

	h = h.Clone()
	h.NumTimeSamples = 0
	w := &Writer{
		path: path,
		hdr:  h,
		tmpl: plan(h),
		cell: h.NumPolarizations * h.BitsPerSample / 8,
	}

	fromNative := h.Native != nil && h.Native.Format == Format
	switch {
	case opts.BlockTime > 0:
		w.ntime = opts.BlockTime
	case fromNative && h.Native.Meta[MetaBlockTime] > 0:
		w.ntime = int(h.Native.Meta[MetaBlockTime])
	default:
		w.ntime = opts.TimeSamplesPerBlock(h)
	}
	if fromNative {
		if f, ok := h.Native.Lookup("PKTIDX"); ok && f.Value.Kind == header.IntKind {
			w.pktidx = f.Value.Int
		}
		if d, ok := h.Native.Lookup("DIRECTIO"); ok {
			if x, ok := number(d.Value); ok && x != 0 {
				w.directIO = true
			}
		}
		w.pktStep = h.Native.Meta[MetaPktStep]
	}
	if w.pktStep == 0 {
		w.pktStep = int64(w.ntime)
	}

	// Render once up front so card errors surface before the file exists.
	if _, err := w.tmpl.render(0, 0, w.directIO); err != nil {
		return nil, fmt.Errorf("failed to encode header for %s: %w", path, err)
	}

	c, err := codec.New(enc, opts.Workers)
	if err != nil {
		return nil, err
	}
	w.codec = c
	w.raw = make([]byte, h.NumChannels*w.ntime*w.cell)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 1<<20)
	return w, nil
}

func (w *Writer) Path() string { return w.path }

// Header describes the file as written so far.
func (w *Writer) Header() header.Header {
	h := w.hdr.Clone()
	h.NumTimeSamples = w.written
	return h
}

// Skipped lists extras that could not be written as cards.
func (w *Writer) Skipped() []string { return w.tmpl.skipped }

// BlockTime is the number of time samples in each full sub-block.
func (w *Writer) BlockTime() int { return w.ntime }

// WriteBlock transposes b into channel-major order, flushing every full sub-block.
func (w *Writer) WriteBlock(b *cube.Block) error {
	if w.closed {
		return fmt.Errorf("write to closed raw file %s", w.path)
	}
	if err := b.Fits(w.hdr); err != nil {
		return fmt.Errorf("%s: %w", w.path, err)
	}

	nchan, npol := w.hdr.NumChannels, w.hdr.NumPolarizations
	for i := 0; i < b.NumTime; {
		k := min(w.ntime-w.filled, b.NumTime-i)
		if cap(w.scratch) < nchan*k*npol {
			w.scratch = make([]float64, nchan*k*npol)
		}
		s := w.scratch[:nchan*k*npol]
		for t := 0; t < k; t++ {
			for p := 0; p < npol; p++ {
				spec := b.Spectrum(i+t, p)
				for c, v := range spec {
					s[(c*k+t)*npol+p] = v
				}
			}
		}
		for c := 0; c < nchan; c++ {
			at := (c*w.ntime + w.filled) * w.cell
			if err := w.codec.Pack(w.raw[at:at+k*w.cell], s[c*k*npol:(c+1)*k*npol]); err != nil {
				return fmt.Errorf("failed to encode block for %s: %w", w.path, err)
			}
		}
		w.filled += k
		w.written += k
		i += k
		if w.filled == w.ntime {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) flush() error {
	n := w.filled
	if n == 0 {
		return nil
	}
	run := n * w.cell
	if n < w.ntime {
		full := w.ntime * w.cell
		for c := 1; c < w.hdr.NumChannels; c++ {
			copy(w.raw[c*run:(c+1)*run], w.raw[c*full:c*full+run])
		}
	}
	data := w.raw[:w.hdr.NumChannels*run]

	cards, err := w.tmpl.render(int64(len(data)), w.pktidx, w.directIO)
	if err != nil {
		return fmt.Errorf("failed to encode header for %s: %w", w.path, err)
	}
	if _, err := w.buf.Write(cards); err != nil {
		return fmt.Errorf("failed to write %s: %w", w.path, err)
	}
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", w.path, err)
	}
	if pad := padded(int64(len(data)), w.directIO) - int64(len(data)); pad > 0 {
		if _, err := w.buf.Write(make([]byte, pad)); err != nil {
			return fmt.Errorf("failed to write %s: %w", w.path, err)
		}
	}
	w.pktidx += w.pktStep
	w.filled = 0
	return nil
}

// Close writes any partial sub-block and closes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.flush()
	if ferr := w.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to finalize %s: %w", w.path, err)
	}
	return nil
}

// Abort discards the output file.
func (w *Writer) Abort() error {
	if !w.closed {
		w.closed = true
		w.file.Close()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", w.path, err)
	}
	return nil
}
