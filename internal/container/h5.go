package container

import (
	"encoding/binary"
	"math"
)

// The writer emits the version 0 superblock layout with 8-byte offsets and
// lengths: a root group indexed by a symbol table, and version 1 object
// headers. Chunks are indexed by a version 1 B-tree.

var signature = []byte("\x89HDF\r\n\x1a\n")

const (
	undef = ^uint64(0)

	superblockSize = 96
	groupLeafK     = 4
	groupNodeK     = 16
	chunkK         = 32 // indexed storage K implied by superblock version 0

	// object header message types
	msgDataspace   = 0x0001
	msgDatatype    = 0x0003
	msgFillValue   = 0x0005
	msgLayout      = 0x0008
	msgPipeline    = 0x000B
	msgAttribute   = 0x000C
	msgSymbolTable = 0x0011

	// local heap value marking an empty free list
	heapFreeNull = 1
)

var le = binary.LittleEndian

func pad8(b []byte) []byte {
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

func superblock(rootHeader, groupTree, heap, eof uint64) []byte {
	b := append([]byte(nil), signature...)
	// superblock, free-space, root group and shared message versions,
	// then offset and length sizes
	b = append(b, 0, 0, 0, 0, 0, 8, 8, 0)
	b = le.AppendUint16(b, groupLeafK)
	b = le.AppendUint16(b, groupNodeK)
	b = le.AppendUint32(b, 0) // consistency flags
	b = le.AppendUint64(b, 0) // base address
	b = le.AppendUint64(b, undef)
	b = le.AppendUint64(b, eof)
	b = le.AppendUint64(b, undef) // driver information
	return append(b, symbolEntry(0, rootHeader, 1, groupTree, heap)...)
}

// symbolEntry is a symbol table entry. Cache type 1 carries the B-tree and
// heap of a group in its scratch pad.
func symbolEntry(name, header uint64, cache uint32, tree, heap uint64) []byte {
	b := le.AppendUint64(nil, name)
	b = le.AppendUint64(b, header)
	b = le.AppendUint32(b, cache)
	b = le.AppendUint32(b, 0)
	b = le.AppendUint64(b, tree)
	return le.AppendUint64(b, heap)
}

// superblockEOF returns the end-of-file address recorded in a superblock of
// any version, if prefix holds enough of it.
func superblockEOF(prefix []byte) (uint64, bool) {
	if len(prefix) < 14 || string(prefix[:8]) != string(signature) {
		return 0, false
	}
	var at, size int
	switch prefix[8] {
	case 0, 1:
		size = int(prefix[13])
		at = 24 + 2*size
		if prefix[8] == 1 {
			at += 4
		}
	case 2, 3:
		size = int(prefix[9])
		at = 12 + 2*size
	default:
		return 0, false
	}
	if size < 1 || size > 8 || len(prefix) < at+size {
		return 0, false
	}
	var eof uint64
	for i := size - 1; i >= 0; i-- {
		eof = eof<<8 | uint64(prefix[at+i])
	}
	return eof, true
}

type message struct {
	typ   uint16
	flags byte
	data  []byte
}

// objectHeader encodes a version 1 object header.
func objectHeader(msgs []message) []byte {
	var body []byte
	for _, m := range msgs {
		data := pad8(append([]byte(nil), m.data...))
		body = le.AppendUint16(body, m.typ)
		body = le.AppendUint16(body, uint16(len(data)))
		body = append(body, m.flags, 0, 0, 0)
		body = append(body, data...)
	}
	b := []byte{1, 0}
	b = le.AppendUint16(b, uint16(len(msgs)))
	b = le.AppendUint32(b, 1) // reference count
	b = le.AppendUint32(b, uint32(len(body)))
	b = append(b, 0, 0, 0, 0)
	return append(b, body...)
}

// dataspace encodes a version 1 simple dataspace, or a scalar one when
// dims is empty. A nil maxDims leaves the maximum unset.
func dataspace(dims, maxDims []uint64) []byte {
	var flags byte
	if maxDims != nil {
		flags = 1
	}
	b := []byte{1, byte(len(dims)), flags, 0, 0, 0, 0, 0}
	for _, d := range dims {
		b = le.AppendUint64(b, d)
	}
	for _, d := range maxDims {
		b = le.AppendUint64(b, d)
	}
	return b
}

// dtype is the on-disk element type of a stored cube.
type dtype struct {
	size  int
	float bool
}

var (
	int32Type   = dtype{size: 4}
	int64Type   = dtype{size: 8}
	float32Type = dtype{size: 4, float: true}
	float64Type = dtype{size: 8, float: true}
)

// encode is the version 1 datatype message for t, little-endian.
func (t dtype) encode() []byte {
	bits := uint16(8 * t.size)
	if !t.float {
		// fixed-point, signed
		b := []byte{0x10, 0x08, 0, 0}
		b = le.AppendUint32(b, uint32(t.size))
		b = le.AppendUint16(b, 0)
		return le.AppendUint16(b, bits)
	}
	// IEEE floating point with an implied mantissa bit
	expBits, mantBits, bias := 8, 23, uint32(127)
	if t.size == 8 {
		expBits, mantBits, bias = 11, 52, 1023
	}
	b := []byte{0x11, 0x20, byte(bits - 1), 0}
	b = le.AppendUint32(b, uint32(t.size))
	b = le.AppendUint16(b, 0)
	b = le.AppendUint16(b, bits)
	b = append(b, byte(mantBits), byte(expBits), 0, byte(mantBits))
	return le.AppendUint32(b, bias)
}

func (t dtype) put(b []byte, v float64) {
	switch {
	case t.float && t.size == 4:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case t.float:
		le.PutUint64(b, math.Float64bits(v))
	case t.size == 4:
		le.PutUint32(b, uint32(int32(v)))
	default:
		le.PutUint64(b, uint64(int64(v)))
	}
}

// stringType is a null-terminated ASCII string datatype of size bytes.
func stringType(size int) []byte {
	b := []byte{0x13, 0, 0, 0}
	return le.AppendUint32(b, uint32(size))
}

// fillValue leaves the fill value undefined, written if set, with chunks
// allocated incrementally.
func fillValue() []byte { return []byte{2, 3, 2, 0} }

// chunkedLayout is a version 3 layout message for chunks of dims elements
// of size bytes indexed by the B-tree at tree.
func chunkedLayout(tree uint64, dims []uint32, size int) []byte {
	b := []byte{3, 2, byte(len(dims) + 1)}
	b = le.AppendUint64(b, tree)
	for _, d := range dims {
		b = le.AppendUint32(b, d)
	}
	return le.AppendUint32(b, uint32(size))
}

// pipelineFilter is one entry of a filter pipeline message.
type pipelineFilter struct {
	id       uint16
	name     string
	optional bool
	params   []uint32
}

func filterPipeline(filters []pipelineFilter) []byte {
	b := []byte{1, byte(len(filters)), 0, 0, 0, 0, 0, 0}
	for _, f := range filters {
		var name []byte
		if f.name != "" {
			name = pad8(append([]byte(f.name), 0))
		}
		var flags uint16
		if f.optional {
			flags = 1
		}
		b = le.AppendUint16(b, f.id)
		b = le.AppendUint16(b, uint16(len(name)))
		b = le.AppendUint16(b, flags)
		b = le.AppendUint16(b, uint16(len(f.params)))
		b = append(b, name...)
		for _, p := range f.params {
			b = le.AppendUint32(b, p)
		}
		if len(f.params)%2 == 1 {
			b = append(b, 0, 0, 0, 0)
		}
	}
	return b
}

// attribute is a version 1 attribute message.
func attribute(name string, datatype, space, data []byte) []byte {
	b := []byte{1, 0}
	b = le.AppendUint16(b, uint16(len(name)+1))
	b = le.AppendUint16(b, uint16(len(datatype)))
	b = le.AppendUint16(b, uint16(len(space)))
	b = append(b, pad8(append([]byte(name), 0))...)
	b = append(b, pad8(append([]byte(nil), datatype...))...)
	b = append(b, pad8(append([]byte(nil), space...))...)
	return append(b, data...)
}

func stringAttribute(name, value string) []byte {
	data := append([]byte(value), 0)
	return attribute(name, stringType(len(data)), dataspace(nil, nil), data)
}

// stringsAttribute stores values as a one-dimensional array of fixed-size
// strings.
func stringsAttribute(name string, values []string) []byte {
	size := 1
	for _, v := range values {
		size = max(size, len(v)+1)
	}
	data := make([]byte, size*len(values))
	for i, v := range values {
		copy(data[i*size:], v)
	}
	return attribute(name, stringType(size), dataspace([]uint64{uint64(len(values))}, nil), data)
}

func numberAttribute(name string, t dtype, v float64) []byte {
	data := make([]byte, t.size)
	t.put(data, v)
	return attribute(name, t.encode(), dataspace(nil, nil), data)
}

func intAttribute(name string, v int64) []byte {
	return attribute(name, int64Type.encode(), dataspace(nil, nil), le.AppendUint64(nil, uint64(v)))
}

// localHeap holds the link names of the root group: the empty name at
// offset 0 and each child name at an 8-byte aligned offset.
func localHeap(at uint64, names []string) (heap []byte, offsets []uint64) {
	data := make([]byte, 8)
	for _, n := range names {
		offsets = append(offsets, uint64(len(data)))
		data = pad8(append(data, append([]byte(n), 0)...))
	}
	b := []byte("HEAP")
	b = append(b, 0, 0, 0, 0)
	b = le.AppendUint64(b, uint64(len(data)))
	b = le.AppendUint64(b, heapFreeNull)
	b = le.AppendUint64(b, at+32)
	return append(b, data...), offsets
}

// symbolNode lists the children of a group, sorted by name.
func symbolNode(entries [][]byte) []byte {
	b := []byte("SNOD")
	b = append(b, 1, 0)
	b = le.AppendUint16(b, uint16(len(entries)))
	for _, e := range entries {
		b = append(b, e...)
	}
	return padTo(b, 8+2*groupLeafK*40)
}

// groupTree is a single-leaf group B-tree pointing at one symbol node whose
// names span heap offsets first to last.
func groupTree(node, first, last uint64) []byte {
	b := []byte("TREE")
	b = append(b, 0, 0)
	b = le.AppendUint16(b, 1)
	b = le.AppendUint64(b, undef)
	b = le.AppendUint64(b, undef)
	b = le.AppendUint64(b, first)
	b = le.AppendUint64(b, node)
	b = le.AppendUint64(b, last)
	return padTo(b, 24+2*groupNodeK*8+(2*groupNodeK+1)*8)
}

func padTo(b []byte, n int) []byte {
	for len(b) < n {
		b = append(b, 0)
	}
	return b
}

// chunkRef locates one stored chunk.
type chunkRef struct {
	offset [3]uint64 // element coordinates of the chunk origin
	addr   uint64
	size   uint64 // stored bytes
}

// chunkKeySize is the size of a chunk B-tree key for a rank 3 dataset.
const chunkKeySize = 4 + 4 + 8*4

// chunkNodeSize is the allocated size of every chunk B-tree node.
const chunkNodeSize = 24 + 2*chunkK*8 + (2*chunkK+1)*chunkKeySize

func chunkKey(size uint64, offset [3]uint64, elem int) []byte {
	b := le.AppendUint32(nil, uint32(size))
	b = le.AppendUint32(b, 0) // filter mask
	for _, o := range offset {
		b = le.AppendUint64(b, o)
	}
	return le.AppendUint64(b, uint64(elem))
}

// chunkTree encodes the B-tree indexing chunks, which must be sorted by
// origin, as consecutive nodes starting at base. It returns the encoded
// nodes and the address of the root.
func chunkTree(chunks []chunkRef, dims [3]uint32, elem int, base uint64) ([]byte, uint64) {
	if len(chunks) == 0 {
		return nil, undef
	}
	type entry struct {
		left  []byte // key of the first chunk beneath
		child uint64
	}
	last := chunks[len(chunks)-1].offset
	var end [3]uint64
	for i := range end {
		end[i] = last[i] + uint64(dims[i])
	}
	right := chunkKey(0, end, elem)

	level := make([]entry, len(chunks))
	for i, c := range chunks {
		level[i] = entry{left: chunkKey(c.size, c.offset, 0), child: c.addr}
	}

	var out []byte
	next := base
	for depth := 0; ; depth++ {
		n := (len(level) + 2*chunkK - 1) / (2 * chunkK)
		parents := make([]entry, 0, n)
		for i := 0; i < n; i++ {
			group := level[i*2*chunkK : min((i+1)*2*chunkK, len(level))]
			addr := next + uint64(i)*chunkNodeSize
			left, rightSib := undef, undef
			if i > 0 {
				left = addr - chunkNodeSize
			}
			if i < n-1 {
				rightSib = addr + chunkNodeSize
			}
			b := []byte("TREE")
			b = append(b, 1, byte(depth))
			b = le.AppendUint16(b, uint16(len(group)))
			b = le.AppendUint64(b, left)
			b = le.AppendUint64(b, rightSib)
			for _, e := range group {
				b = append(b, e.left...)
				b = le.AppendUint64(b, e.child)
			}
			if i < n-1 {
				b = append(b, level[(i+1)*2*chunkK].left...)
			} else {
				b = append(b, right...)
			}
			out = append(out, padTo(b, chunkNodeSize)...)
			parents = append(parents, entry{left: group[0].left, child: addr})
		}
		next += uint64(n) * chunkNodeSize
		if n == 1 {
			return out, parents[0].child
		}
		level = parents
	}
}
