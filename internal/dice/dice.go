// Package dice extracts a time/frequency sub-window of a dataset into a new,
// independently valid file. Only the source regions intersecting the window
// are read.
package dice

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"telecube/internal/convert"
	"telecube/internal/cube"
	"telecube/internal/cubeerr"
	"telecube/internal/dataset"
	"telecube/internal/header"
	"telecube/internal/logging"
)

// Range is a half-open index interval [Start, Stop).
type Range struct {
	Start int
	Stop  int
}

func (r Range) Len() int { return r.Stop - r.Start }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.Stop) }

// Options controls a dicing run.
type Options struct {
	Dataset    dataset.Options
	AllowLossy bool // when the output format needs a different encoding
	Progress   func(done, total int)
	Logger     *log.Logger
}

// Dice copies the window times x chans of src into a new dataset at dstPath
// and returns its header. Ranges are validated before any output exists.
func Dice(ctx context.Context, src cube.WindowReader, kind dataset.Kind, dstPath string, times, chans Range, opts Options) (header.Header, error) {
	logger := logging.OrDiscard(opts.Logger).With("run", uuid.NewString())

	if convert.SamePath(src.Path(), dstPath) {
		return header.Header{}, fmt.Errorf("refusing to dice %s onto itself", dstPath)
	}

	srcHdr := src.Header()
	win, err := srcHdr.Window(times.Start, times.Stop, chans.Start, chans.Stop)
	if err != nil {
		return header.Header{}, withPath(err, src.Path())
	}
	dstHdr, err := convert.Plan(win, kind, convert.Options{AllowLossy: opts.AllowLossy})
	if err != nil {
		return header.Header{}, withPath(err, dstPath)
	}

	w, err := dataset.Create(kind, dstPath, dstHdr, opts.Dataset)
	if err != nil {
		return header.Header{}, withPath(err, dstPath)
	}
	per := opts.Dataset.TimeSamplesPerBlock(win)
	logger.Info("Dicing", "src", src.Path(), "dst", dstPath, "time", times, "channels", chans, "block", per)

	done := 0
	for t0 := times.Start; t0 < times.Stop; t0 += per {
		select {
		case <-ctx.Done():
			if aerr := w.Abort(); aerr != nil {
				logger.Error("Failed to remove partial output", "path", dstPath, "err", aerr)
			}
			return header.Header{}, fmt.Errorf("dicing of %s cancelled: %w", src.Path(), ctx.Err())
		default:
		}

		nt := min(per, times.Stop-t0)
		b, err := src.ReadWindow(t0, nt, chans.Start, chans.Len())
		if err != nil {
			if cerr := w.Close(); cerr != nil {
				logger.Error("Failed to finalize partial output", "path", dstPath, "err", cerr)
			}
			return w.Header(), fmt.Errorf("dicing stopped after %d of %d time samples: %w", done, times.Len(), err)
		}
		if err := w.WriteBlock(b); err != nil {
			w.Abort()
			return header.Header{}, fmt.Errorf("failed to write %s: %w", dstPath, err)
		}
		done += nt
		if opts.Progress != nil {
			opts.Progress(done, times.Len())
		}
	}

	if err := w.Close(); err != nil {
		w.Abort()
		return header.Header{}, fmt.Errorf("failed to finalize %s: %w", dstPath, err)
	}
	if s, ok := w.(dataset.Skipper); ok && len(s.Skipped()) > 0 {
		logger.Warn("Fields with no place in output format were dropped", "path", dstPath, "fields", s.Skipped())
	}
	logger.Info("Dicing complete", "path", dstPath, "samples", done)
	return w.Header(), nil
}

// DiceFile opens srcPath, dices it, and closes it on every path.
func DiceFile(ctx context.Context, srcPath string, kind dataset.Kind, dstPath string, times, chans Range, srcOpts dataset.Options, opts Options) (header.Header, error) {
	src, err := dataset.Open(srcPath, srcOpts)
	if err != nil {
		return header.Header{}, err
	}
	defer src.Close()
	return Dice(ctx, src, kind, dstPath, times, chans, opts)
}

// eps absorbs rounding when a requested edge lands on a channel centre or
// a sample boundary.
const eps = 1e-9

// FrequencyRange selects the channels of h whose centre frequency lies in
// [lo, hi] MHz, for ascending and descending frequency axes alike. The
// result is clipped to the band.
func FrequencyRange(h header.Header, lo, hi float64) (Range, error) {
	if lo > hi {
		lo, hi = hi, lo
	}
	bw := h.ChannelBandwidth
	if bw == 0 {
		return Range{}, cubeerr.New(cubeerr.ErrMalformedHeader, "", cubeerr.NoOffset, "zero channel bandwidth")
	}
	// channel index of each edge; a descending axis swaps their roles
	a := (lo - h.FrequencyOfChannel0) / bw
	b := (hi - h.FrequencyOfChannel0) / bw
	if bw < 0 {
		a, b = b, a
	}
	r := clip(int(math.Ceil(a-eps)), int(math.Floor(b+eps))+1, h.NumChannels)
	if r.Len() <= 0 {
		return Range{}, cubeerr.New(cubeerr.ErrRangeOutOfBounds, "", cubeerr.NoOffset,
			"%.6f-%.6f MHz is outside the band %.6f-%.6f MHz", lo, hi,
			min(h.ChannelFrequency(0), h.ChannelFrequency(h.NumChannels-1)),
			max(h.ChannelFrequency(0), h.ChannelFrequency(h.NumChannels-1)))
	}
	return r, nil
}

// TimeRange selects the samples of h covering [start, stop) seconds from
// the start of the observation, clipped to the recording.
func TimeRange(h header.Header, start, stop float64) (Range, error) {
	if !(h.TimeStep > 0) {
		return Range{}, cubeerr.New(cubeerr.ErrMalformedHeader, "", cubeerr.NoOffset, "time_step=%g", h.TimeStep)
	}
	r := clip(int(math.Floor(start/h.TimeStep+eps)), int(math.Ceil(stop/h.TimeStep-eps)), h.NumTimeSamples)
	if r.Len() <= 0 {
		return Range{}, cubeerr.New(cubeerr.ErrRangeOutOfBounds, "", cubeerr.NoOffset,
			"%gs-%gs is outside the %gs recording", start, stop, h.Duration())
	}
	return r, nil
}

func clip(start, stop, n int) Range {
	return Range{Start: max(start, 0), Stop: min(stop, n)}
}

func withPath(err error, path string) error {
	var ce *cubeerr.Error
	if errors.As(err, &ce) && ce.Path == "" {
		ce.Path = path
	}
	return err
}
