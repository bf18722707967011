package container

import (
	"fmt"
	"math"
	"os"

	"telecube/internal/codec"
	"telecube/internal/compress"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/header"
)

// Writer appends each full row of chunks to the file as it fills. The
// chunk index, the dataset and the root group are written by Close; until
// then the file has no superblock and no reader will accept it.
type Writer struct {
	path    string
	f       *os.File
	hdr     header.Header
	enc     codec.Encoding
	dt      dtype
	filter  compress.Filter
	name    string // compression name
	ct, cf  int
	skipped []string

	row     []float64 // ct time steps, canonical order
	filled  int
	rows    int
	off     uint64 // end of the file
	chunks  []chunkRef
	raw     []byte
	scratch []byte
	written int
	closed  bool
}

// Create replaces path with an empty container for h.
func Create(path string, h header.Header, opts Options) (*Writer, error) {
	enc := h.Encoding()
	if err := enc.Validate(); err != nil {
		return nil, cubeerr.Wrap(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset, err, "container samples")
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	name := opts.Compression
	if name == "" {
		name = DefaultCompression
	}
	reg := opts.registry()
	filter, ok := reg.Lookup(name)
	if !ok {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset,
			"compression %q is not registered (have %v)", name, reg.Names())
	}

	dt := storageType(enc)
	ct, cf := opts.ChunkTime, opts.ChunkChans
	if ct <= 0 {
		ct = min(opts.TimeSamplesPerBlock(h), maxChunkTime)
	}
	if cf <= 0 || cf > h.NumChannels {
		cf = h.NumChannels
	}
	if uint64(ct)*uint64(h.NumPolarizations)*uint64(cf)*uint64(dt.size) > math.MaxUint32 {
		return nil, cubeerr.New(cubeerr.ErrUnsupportedEncoding, path, cubeerr.NoOffset,
			"chunk of %dx%dx%d samples exceeds 4 GiB", ct, h.NumPolarizations, cf)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	h = h.Clone()
	h.NumTimeSamples = 0
	h.ByteOrder = le
	h.Native = nil
	_, skipped := headerAttrs(h)
	return &Writer{
		path:    path,
		f:       f,
		hdr:     h,
		enc:     enc,
		dt:      dt,
		filter:  filter,
		name:    name,
		ct:      ct,
		cf:      cf,
		skipped: skipped,
		row:     make([]float64, ct*h.NumPolarizations*h.NumChannels),
		off:     superblockSize,
	}, nil
}

func (w *Writer) Path() string { return w.path }

// Header describes the samples accepted so far.
func (w *Writer) Header() header.Header {
	h := w.hdr.Clone()
	h.NumTimeSamples = w.written
	return h
}

// Skipped lists extras that could not be stored as attributes.
func (w *Writer) Skipped() []string { return w.skipped }

// WriteBlock copies b into the row buffer, storing each full row.
func (w *Writer) WriteBlock(b *cube.Block) error {
	if w.closed {
		return fmt.Errorf("write to closed container %s", w.path)
	}
	if err := b.Fits(w.hdr); err != nil {
		return fmt.Errorf("%s: %w", w.path, err)
	}

	step := w.hdr.NumPolarizations * w.hdr.NumChannels
	for i := 0; i < b.NumTime; {
		k := min(w.ct-w.filled, b.NumTime-i)
		copy(w.row[w.filled*step:(w.filled+k)*step], b.Data[i*step:(i+k)*step])
		w.filled += k
		w.written += k
		i += k
		if w.filled == w.ct {
			if err := w.commit(); err != nil {
				return err
			}
		}
	}
	return nil
}

// commit filters and appends the buffered row, split into channel chunks.
// Chunks at the trailing edges are padded to the full chunk shape.
func (w *Writer) commit() error {
	n := w.filled
	if n == 0 {
		return nil
	}
	npol, nchan := w.hdr.NumPolarizations, w.hdr.NumChannels
	size := w.ct * npol * w.cf * w.dt.size
	if cap(w.raw) < size {
		w.raw = make([]byte, size)
		w.scratch = make([]byte, size)
	}
	raw := w.raw[:size]

	for col := 0; col*w.cf < nchan; col++ {
		cs := col * w.cf
		cn := min(w.cf, nchan-cs)
		clear(raw)
		for t := 0; t < n; t++ {
			for p := 0; p < npol; p++ {
				src := w.row[(t*npol+p)*nchan+cs:][:cn]
				dst := raw[(t*npol+p)*w.cf*w.dt.size:]
				for i, v := range src {
					w.dt.put(dst[i*w.dt.size:], clamp(v, w.enc))
				}
			}
		}

		payload := raw
		if w.filter.ID != compress.FilterNone {
			shuffled := w.scratch[:size]
			compress.Shuffle(shuffled, raw, w.dt.size)
			var err error
			if payload, err = w.filter.Compress(shuffled); err != nil {
				return fmt.Errorf("failed to compress chunk (%d,%d) of %s: %w", w.rows, col, w.path, err)
			}
		}
		if _, err := w.f.WriteAt(payload, int64(w.off)); err != nil {
			return fmt.Errorf("failed to write chunk (%d,%d) of %s: %w", w.rows, col, w.path, err)
		}
		w.chunks = append(w.chunks, chunkRef{
			offset: [3]uint64{uint64(w.rows * w.ct), 0, uint64(cs)},
			addr:   w.off,
			size:   uint64(len(payload)),
		})
		w.off += uint64(len(payload))
	}
	w.rows++
	w.filled = 0
	return nil
}

// pipeline is the filter pipeline of the dataset, empty when chunks are
// stored unfiltered.
func (w *Writer) pipeline() []pipelineFilter {
	if w.filter.ID == compress.FilterNone {
		return nil
	}
	name := w.name
	if w.filter.ID == compress.FilterDeflate {
		name = "deflate"
	}
	return []pipelineFilter{
		{id: compress.FilterShuffle, name: "shuffle", optional: true, params: []uint32{uint32(w.dt.size)}},
		{id: w.filter.ID, name: name, optional: w.filter.ID == compress.FilterDeflate, params: w.filter.Params},
	}
}

// datasetHeader is the object header of the data dataset, whose chunks are
// indexed by the B-tree at tree.
func (w *Writer) datasetHeader(tree uint64) []byte {
	dims := []uint64{uint64(w.written), uint64(w.hdr.NumPolarizations), uint64(w.hdr.NumChannels)}
	maxDims := []uint64{undef, dims[1], dims[2]}
	chunk := []uint32{uint32(w.ct), uint32(w.hdr.NumPolarizations), uint32(w.cf)}

	msgs := []message{
		{typ: msgDataspace, data: dataspace(dims, maxDims)},
		{typ: msgDatatype, flags: 1, data: w.dt.encode()},
		{typ: msgFillValue, flags: 1, data: fillValue()},
		{typ: msgLayout, data: chunkedLayout(tree, chunk, w.dt.size)},
	}
	if p := w.pipeline(); p != nil {
		msgs = append(msgs, message{typ: msgPipeline, data: filterPipeline(p)})
	}
	msgs = append(msgs, message{typ: msgAttribute, data: stringsAttribute(attrLabels, dimensionLabels)})
	attrs, _ := headerAttrs(w.hdr)
	for _, a := range attrs {
		msgs = append(msgs, message{typ: msgAttribute, data: encodeAttr(a)})
	}
	return objectHeader(msgs)
}

// finish writes the chunk index, the dataset, the root group and finally
// the superblock.
func (w *Writer) finish() error {
	at := w.off
	put := func(b []byte) (uint64, error) {
		addr := at
		if _, err := w.f.WriteAt(b, int64(addr)); err != nil {
			return 0, err
		}
		at += uint64(len(b))
		return addr, nil
	}

	dims := [3]uint32{uint32(w.ct), uint32(w.hdr.NumPolarizations), uint32(w.cf)}
	nodes, tree := chunkTree(w.chunks, dims, w.dt.size, at)
	if _, err := put(nodes); err != nil {
		return err
	}
	dataHeader, err := put(w.datasetHeader(tree))
	if err != nil {
		return err
	}
	heap, names := localHeap(at, []string{DatasetName})
	heapAddr, err := put(heap)
	if err != nil {
		return err
	}
	node, err := put(symbolNode([][]byte{symbolEntry(names[0], dataHeader, 0, 0, 0)}))
	if err != nil {
		return err
	}
	groupAddr, err := put(groupTree(node, 0, names[0]))
	if err != nil {
		return err
	}
	root, err := put(objectHeader([]message{
		{typ: msgSymbolTable, data: le.AppendUint64(le.AppendUint64(nil, groupAddr), heapAddr)},
		{typ: msgAttribute, data: stringAttribute("CLASS", "FILTERBANK")},
		{typ: msgAttribute, data: stringAttribute("VERSION", "1.0")},
	}))
	if err != nil {
		return err
	}
	_, err = w.f.WriteAt(superblock(root, groupAddr, heapAddr, at), 0)
	return err
}

// Close stores the final partial row and completes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.commit()
	if err == nil {
		err = w.finish()
	}
	if err == nil {
		err = w.f.Sync()
	}
	if cerr := w.f.Close(); err == nil {
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
		w.f.Close()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", w.path, err)
	}
	return nil
}
