package sigproc

import (
	"bufio"
	"fmt"
	"os"

	"telecube/internal/codec"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

// Writer appends spectra to a new filterbank file.
type Writer struct {
	path       string
	file       *os.File
	buf        *bufio.Writer
	hdr        header.Header
	codec      *codec.Codec
	raw        []byte
	written    int
	nsamplesAt int64
	skipped    []string
	closed     bool
}

// Create truncates path and writes the header for h. The data section
// grows with each WriteBlock; NumTimeSamples in h is ignored.
func Create(path string, h header.Header, opts Options) (*Writer, error) {
	enc := h.Encoding()
	if !SupportsEncoding(enc) {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset,
			"filterbank cannot store %s samples", enc)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if h.NumChannels*h.BitsPerSample%8 != 0 {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset,
			"%d channels of %d bits do not fill whole bytes", h.NumChannels, h.BitsPerSample)
	}

	h = h.Clone()
	h.NumTimeSamples = 0
	raw, nsamplesAt, skipped, err := SerializeHeader(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header for %s: %w", path, err)
	}

	c, err := codec.New(enc, opts.Workers)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := &Writer{
		path:       path,
		file:       f,
		buf:        bufio.NewWriterSize(f, 1<<20),
		hdr:        h,
		codec:      c,
		nsamplesAt: nsamplesAt,
		skipped:    skipped,
	}
	if _, err := w.buf.Write(raw); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to write header to %s: %w", path, err)
	}
	return w, nil
}

func (w *Writer) Path() string { return w.path }

// Header describes the file as written so far.
func (w *Writer) Header() header.Header {
	h := w.hdr.Clone()
	h.NumTimeSamples = w.written
	return h
}

// Skipped lists extras that have no filterbank keyword and were not written.
func (w *Writer) Skipped() []string { return w.skipped }

// WriteBlock appends the spectra of b.
func (w *Writer) WriteBlock(b *cube.Block) error {
	if w.closed {
		return fmt.Errorf("write to closed filterbank %s", w.path)
	}
	if err := b.Fits(w.hdr); err != nil {
		return fmt.Errorf("%s: %w", w.path, err)
	}

	n := codec.PackedSize(len(b.Data), w.hdr.BitsPerSample)
	if cap(w.raw) < n {
		w.raw = make([]byte, n)
	}
	raw := w.raw[:n]
	if err := w.codec.Pack(raw, b.Data); err != nil {
		return fmt.Errorf("failed to encode block for %s: %w", w.path, err)
	}
	if _, err := w.buf.Write(raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", w.path, err)
	}
	w.written += b.NumTime
	return nil
}

// Close flushes the data and, when the header carries nsamples, patches
// it with the number of spectra actually written.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.buf.Flush()
	if err == nil && w.nsamplesAt >= 0 {
		var n [4]byte
		order := w.hdr.Encoding().Order
		if order == nil {
			order = defaultOrder
		}
		order.PutUint32(n[:], uint32(int32(w.written)))
		_, err = w.file.WriteAt(n[:], w.nsamplesAt)
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
