// Package cube defines the block-wise access contract shared by every
// format adapter: a forward-only block reader, a windowed reader for random
// access, and a block writer.
package cube

import (
	"fmt"

	"telecube/internal/header"
)

// DefaultBlockBytes is the default in-memory size of one block.
const DefaultBlockBytes = 32 << 20

// Block is a slice of the sample cube along the time axis. Data is ordered
// time, then polarization, then frequency (frequency fastest).
type Block struct {
	Start    int // index of the first time sample within the source cube
	NumTime  int
	NumPols  int
	NumChans int
	Data     []float64
}

// NewBlock allocates a zeroed block.
func NewBlock(nt, np, nc int) *Block {
	return &Block{NumTime: nt, NumPols: np, NumChans: nc, Data: make([]float64, nt*np*nc)}
}

// Reshape resizes b in place, reusing its storage when it is large enough.
func (b *Block) Reshape(start, nt, np, nc int) {
	n := nt * np * nc
	if cap(b.Data) < n {
		b.Data = make([]float64, n)
	}
	b.Data = b.Data[:n]
	b.Start, b.NumTime, b.NumPols, b.NumChans = start, nt, np, nc
}

// Index is the position of sample (t, p, f) within Data.
func (b *Block) Index(t, p, f int) int {
	return (t*b.NumPols+p)*b.NumChans + f
}

// At returns sample (t, p, f).
func (b *Block) At(t, p, f int) float64 {
	return b.Data[b.Index(t, p, f)]
}

// Spectrum returns the channels of time step t and polarization p as a view.
func (b *Block) Spectrum(t, p int) []float64 {
	i := b.Index(t, p, 0)
	return b.Data[i : i+b.NumChans]
}

// Bytes is the in-memory size of the block.
func (b *Block) Bytes() int {
	return 8 * len(b.Data)
}

// Fits checks that b has the polarization and channel shape described by h.
func (b *Block) Fits(h header.Header) error {
	if b.NumPols != h.NumPolarizations || b.NumChans != h.NumChannels {
		return fmt.Errorf("block shape %dx%d does not match header %dx%d",
			b.NumPols, b.NumChans, h.NumPolarizations, h.NumChannels)
	}
	if len(b.Data) != b.NumTime*b.NumPols*b.NumChans {
		return fmt.Errorf("block holds %d samples, shape needs %d", len(b.Data), b.NumTime*b.NumPols*b.NumChans)
	}
	return nil
}

// Reader is a forward-only, non-restartable cursor over a dataset's blocks.
// The block returned by Next is valid until the following call.
type Reader interface {
	Path() string
	Header() header.Header
	// Next returns the next block in time order, or io.EOF after the last.
	Next() (*Block, error)
	Close() error
}

// WindowReader adds random access to a time/frequency window. Only the
// on-disk regions intersecting the window are read.
type WindowReader interface {
	Reader
	ReadWindow(t0, nt, f0, nf int) (*Block, error)
}

// Writer appends blocks to a new dataset.
type Writer interface {
	Path() string
	// Header describes what has been written so far.
	Header() header.Header
	WriteBlock(b *Block) error
	// Close finalizes the file so its header declares exactly the samples written.
	Close() error
	// Abort closes and removes the output.
	Abort() error
}

// Options are the settings shared by every adapter.
type Options struct {
	BlockBytes int // memory budget of one block, DefaultBlockBytes when zero
	Workers    int // codec workers, one per CPU when zero
}

// TimeSamplesPerBlock is how many time steps of h fit the block budget.
// It is at least one.
func (o Options) TimeSamplesPerBlock(h header.Header) int {
	budget := o.BlockBytes
	if budget <= 0 {
		budget = DefaultBlockBytes
	}
	per := 8 * h.NumPolarizations * h.NumChannels
	if per <= 0 {
		return 1
	}
	return max(1, budget/per)
}

// Cursor tracks the position of a forward-only iteration over time samples.
type Cursor struct {
	next     int
	total    int
	perBlock int
}

// NewCursor iterates total samples, perBlock at a time.
func NewCursor(total, perBlock int) *Cursor {
	return &Cursor{total: total, perBlock: max(1, perBlock)}
}

// Advance returns the next span of samples, or ok=false when exhausted.
func (c *Cursor) Advance() (start, n int, ok bool) {
	if c.next >= c.total {
		return 0, 0, false
	}
	start = c.next
	n = min(c.perBlock, c.total-c.next)
	c.next += n
	return start, n, true
}

// Remaining is the number of samples not yet handed out.
func (c *Cursor) Remaining() int {
	return c.total - c.next
}

// CheckWindow validates a window request against h.
func CheckWindow(h header.Header, t0, nt, f0, nf int) error {
	_, err := h.Window(t0, t0+nt, f0, f0+nf)
	return err
}
