package guppi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"telecube/internal/codec"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

// Options configure raw file readers and writers.
type Options struct {
	cube.Options
	// BlockTime is the number of time samples per written sub-block. When
	// zero the writer reuses the source layout or derives it from BlockBytes.
	BlockTime int
}

type subBlock struct {
	offset     int64 // first card
	dataOffset int64
	start      int // first time sample within the file
	ntime      int
	pktidx     int64
}

// Reader iterates a raw file as one stream of time samples, hiding the
// sub-block boundaries.
type Reader struct {
	path   string
	file   *os.File
	hdr    header.Header
	blocks []subBlock
	cell   int // bytes of one channel at one time step, all polarizations

	codec    *codec.Codec
	perBlock int
	next     int
	block    cube.Block
	raw      []byte
	scratch  []float64
}

func padded(n int64, directIO bool) int64 {
	if !directIO {
		return n
	}
	return (n + directIOSize - 1) / directIOSize * directIOSize
}

// readCards parses cards from off up to and including END. The returned
// length counts the END card but not DIRECTIO padding.
func readCards(f io.ReaderAt, off int64, path string) ([]header.Field, int64, error) {
	var fields []header.Field
	buf := make([]byte, 36*cardLen)
	pos := off
	for len(fields) < maxCards {
		m, err := f.ReadAt(buf, pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("failed to read %s at %d: %w", path, pos, err)
		}
		m -= m % cardLen
		if m == 0 {
			return nil, 0, cubeerr.New(cubeerr.ErrMalformedHeader, path, pos, "header has no END card")
		}
		for i := 0; i < m; i += cardLen {
			card := string(buf[i : i+cardLen])
			if strings.TrimRight(card, " ") == "END" {
				return fields, pos + int64(i+cardLen) - off, nil
			}
			field, err := parseCard(card, path, pos+int64(i))
			if err != nil {
				return nil, 0, err
			}
			fields = append(fields, field)
		}
		pos += int64(m)
	}
	return nil, 0, cubeerr.New(cubeerr.ErrMalformedHeader, path, off, "more than %d cards without END", maxCards)
}

// Open scans every sub-block header of path. The data itself is read lazily.
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
	if size == 0 {
		return nil, cubeerr.New(cubeerr.ErrMalformedHeader, path, 0, "empty file")
	}

	fields, hdrLen, err := readCards(f, 0, path)
	if err != nil {
		return nil, err
	}
	native := &header.Native{Format: Format, Fields: fields, Meta: map[string]int64{}}
	h, err := decode(native)
	if err != nil {
		return nil, withPath(err, path)
	}
	first := collect(fields)

	if overlap, ok := first.int("OVERLAP"); ok && overlap > 0 {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset,
			"overlapping sub-blocks (OVERLAP=%d)", overlap)
	}
	enc := h.Encoding()
	if err := enc.Validate(); err != nil || !SupportsEncoding(enc) {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset, "NBITS=%d", h.BitsPerSample)
	}
	if h.NumChannels <= 0 || h.NumPolarizations <= 0 {
		return nil, cubeerr.New(cubeerr.ErrMalformedHeader, path, cubeerr.NoOffset,
			"OBSNCHAN=%d NPOL=%d", h.NumChannels, h.NumPolarizations)
	}
	if h.NumPolarizations*h.BitsPerSample%8 != 0 {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset,
			"%d polarizations of %d bits do not fill whole bytes", h.NumPolarizations, h.BitsPerSample)
	}
	cell := h.NumPolarizations * h.BitsPerSample / 8
	stride := int64(h.NumChannels * cell)
	directIO := false
	if d, ok := first.int("DIRECTIO"); ok && d != 0 {
		directIO = true
		native.Meta[MetaDirectIO] = d
	}

	var blocks []subBlock
	total := 0
	off := int64(0)
	cards := first
	for {
		blocsize, ok := cards.int("BLOCSIZE")
		if !ok || blocsize < 0 {
			return nil, cubeerr.New(cubeerr.ErrMalformedHeader, path, off, "missing or invalid BLOCSIZE")
		}
		if blocsize%stride != 0 {
			return nil, cubeerr.New(cubeerr.ErrMalformedHeader, path, off,
				"BLOCSIZE %d is not a multiple of %d bytes per time step", blocsize, stride)
		}
		for _, key := range []string{"OBSNCHAN", "NPOL", "NBITS"} {
			if !cards[key].Equal(first[key]) {
				return nil, cubeerr.New(cubeerr.ErrMalformedHeader, path, off,
					"%s changes from %s to %s", key, first[key], cards[key])
			}
		}

		dataOffset := off + padded(hdrLen, directIO)
		if dataOffset+blocsize > size {
			return nil, cubeerr.New(cubeerr.ErrFileSizeMismatch, path, dataOffset,
				"BLOCSIZE %d extends past end of file (%d bytes left)", blocsize, size-dataOffset)
		}
		pktidx, _ := cards.int("PKTIDX")
		ntime := int(blocsize / stride)
		blocks = append(blocks, subBlock{offset: off, dataOffset: dataOffset, start: total, ntime: ntime, pktidx: pktidx})
		total += ntime

		off = dataOffset + padded(blocsize, directIO)
		if off >= size {
			break
		}
		fields, hdrLen, err = readCards(f, off, path)
		if err != nil {
			return nil, err
		}
		cards = collect(fields)
	}

	native.Meta[MetaBlockTime] = int64(blocks[0].ntime)
	if len(blocks) > 1 {
		native.Meta[MetaPktStep] = blocks[1].pktidx - blocks[0].pktidx
	}
	h.NumTimeSamples = total
	if err := h.Validate(); err != nil {
		return nil, withPath(err, path)
	}

	c, err := codec.New(h.Encoding(), opts.Workers)
	if err != nil {
		return nil, err
	}
	return &Reader{
		path:     path,
		file:     f,
		hdr:      h,
		blocks:   blocks,
		cell:     cell,
		codec:    c,
		perBlock: opts.TimeSamplesPerBlock(h),
	}, nil
}

func withPath(err error, path string) error {
	var ce *cubeerr.Error
	if errors.As(err, &ce) && ce.Path == "" {
		ce.Path = path
	}
	return err
}

func (r *Reader) Path() string { return r.path }

// Header returns the canonical view of the first sub-block header with
// NumTimeSamples summed over all sub-blocks.
func (r *Reader) Header() header.Header { return r.hdr }

// SubBlocks is the number of sub-blocks in the file.
func (r *Reader) SubBlocks() int { return len(r.blocks) }

func (r *Reader) find(t int) int {
	return sort.Search(len(r.blocks), func(i int) bool {
		return r.blocks[i].start+r.blocks[i].ntime > t
	})
}

func (r *Reader) readAt(buf []byte, off int64) error {
	n, err := r.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return cubeerr.New(cubeerr.ErrTruncatedData, r.path, off+int64(n), "need %d bytes, got %d", len(buf), n)
	}
	return fmt.Errorf("failed to read %s at %d: %w", r.path, off, err)
}

// read fills r.block with time samples [t0, t0+nt) of channels [f0, f0+nf).
func (r *Reader) read(t0, nt, f0, nf int) (*cube.Block, error) {
	npol := r.hdr.NumPolarizations
	r.block.Reshape(t0, nt, npol, nf)

	for t := t0; t < t0+nt; {
		sb := r.blocks[r.find(t)]
		local := t - sb.start
		n := min(sb.ntime-local, t0+nt-t)
		run := n * r.cell

		if cap(r.raw) < nf*run {
			r.raw = make([]byte, nf*run)
		}
		raw := r.raw[:nf*run]
		channelOffset := func(c int) int64 {
			return sb.dataOffset + (int64(c)*int64(sb.ntime)+int64(local))*int64(r.cell)
		}
		if n == sb.ntime {
			// whole channel rows are adjacent on disk
			if err := r.readAt(raw, channelOffset(f0)); err != nil {
				return nil, err
			}
		} else {
			for c := 0; c < nf; c++ {
				if err := r.readAt(raw[c*run:(c+1)*run], channelOffset(f0+c)); err != nil {
					return nil, err
				}
			}
		}

		ns := nf * n * npol
		if cap(r.scratch) < ns {
			r.scratch = make([]float64, ns)
		}
		samples := r.scratch[:ns]
		if err := r.codec.Unpack(samples, raw); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", r.path, err)
		}
		for c := 0; c < nf; c++ {
			for i := 0; i < n; i++ {
				for p := 0; p < npol; p++ {
					r.block.Data[r.block.Index(t-t0+i, p, c)] = samples[(c*n+i)*npol+p]
				}
			}
		}
		t += n
	}
	return &r.block, nil
}

// Next returns the next block of samples, or io.EOF. Blocks never span a
// sub-block boundary.
func (r *Reader) Next() (*cube.Block, error) {
	if r.next >= r.hdr.NumTimeSamples {
		return nil, io.EOF
	}
	sb := r.blocks[r.find(r.next)]
	n := min(r.perBlock, sb.start+sb.ntime-r.next)
	b, err := r.read(r.next, n, 0, r.hdr.NumChannels)
	if err != nil {
		return nil, err
	}
	r.next += n
	return b, nil
}

// ReadWindow reads time samples [t0, t0+nt) of channels [f0, f0+nf). Each
// channel is a contiguous run within a sub-block, so only the requested
// runs are read.
func (r *Reader) ReadWindow(t0, nt, f0, nf int) (*cube.Block, error) {
	if err := cube.CheckWindow(r.hdr, t0, nt, f0, nf); err != nil {
		return nil, withPath(err, r.path)
	}
	return r.read(t0, nt, f0, nf)
}

// Close is safe to call more than once.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
