// Package match implements coincidence matching of detections across
// datasets: two detections match when they agree within configurable time
// and frequency tolerances, and optionally in sky position.
package match

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"telecube/internal/config"
	"telecube/internal/header"
	"telecube/internal/logging"
)

// Detection is one candidate signal seen in one file. Times from
// different files must share an epoch; FromHeaders uses seconds since MJD 0.
type Detection struct {
	File           string             `json:"file"`
	Frequency      float64            `json:"frequency_mhz"`
	Time           float64            `json:"time_s"`
	Strength       float64            `json:"strength"`
	DriftRate      float64            `json:"drift_rate"`
	Coordinates    header.Coordinates `json:"coordinates"`
	HasCoordinates bool               `json:"has_coordinates"`
}

// Tolerance bounds how far two detections may differ and still match.
type Tolerance struct {
	Time      float64 `json:"time_s"`        // seconds
	Frequency float64 `json:"frequency_mhz"` // MHz
	Angular   float64 `json:"angular_deg"`   // degrees, 0 ignores position
}

// Validate rejects negative tolerances.
func (t Tolerance) Validate() error {
	if t.Time < 0 || t.Frequency < 0 || t.Angular < 0 {
		return fmt.Errorf("tolerances must not be negative (time %g, frequency %g, angular %g)",
			t.Time, t.Frequency, t.Angular)
	}
	return nil
}

// Pair is a coincidence between a detection of A and one of B.
type Pair struct {
	A              Detection `json:"a"`
	B              Detection `json:"b"`
	FrequencyDelta float64   `json:"frequency_delta_mhz"` // B - A
	TimeDelta      float64   `json:"time_delta_s"`        // B - A
	Separation     float64   `json:"separation_deg,omitempty"`
}

// sorted returns a copy of d ordered by frequency, then time. Remaining
// ties keep their input order.
func sorted(d []Detection) []Detection {
	out := append([]Detection(nil), d...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency < out[j].Frequency
		}
		return out[i].Time < out[j].Time
	})
	return out
}

// Match reports every pair (x from a, y from b) with
// |x.Time-y.Time| <= tol.Time and |x.Frequency-y.Frequency| <= tol.Frequency.
// Both lists are sorted by frequency and merged with a sliding tolerance
// window, so the cost grows with the number of candidates rather than the
// product of the list lengths. Every candidate within tolerance is reported;
// the output is ordered by a, then b, in frequency-time order.
func Match(a, b []Detection, tol Tolerance) []Pair {
	as, bs := sorted(a), sorted(b)

	var pairs []Pair
	lo := 0
	for _, x := range as {
		for lo < len(bs) && x.Frequency-bs[lo].Frequency > tol.Frequency {
			lo++
		}
		for j := lo; j < len(bs) && bs[j].Frequency-x.Frequency <= tol.Frequency; j++ {
			y := bs[j]
			if math.Abs(y.Time-x.Time) > tol.Time {
				continue
			}
			p := Pair{A: x, B: y, FrequencyDelta: y.Frequency - x.Frequency, TimeDelta: y.Time - x.Time}
			if x.HasCoordinates && y.HasCoordinates {
				p.Separation = angularSeparation(x.Coordinates, y.Coordinates)
				if tol.Angular > 0 && p.Separation > tol.Angular {
					continue
				}
			}
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// MatchAll matches every pair of files i<j, in sorted file order.
func MatchAll(lists map[string][]Detection, tol Tolerance) []Pair {
	files := make([]string, 0, len(lists))
	for f := range lists {
		files = append(files, f)
	}
	sort.Strings(files)

	var pairs []Pair
	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			pairs = append(pairs, Match(lists[files[i]], lists[files[j]], tol)...)
		}
	}
	return pairs
}

// angularSeparation is the great-circle distance between two sky
// positions in degrees, by the haversine formula.
func angularSeparation(p1, p2 header.Coordinates) float64 {
	dec1 := p1.Dec * math.Pi / 180
	dec2 := p2.Dec * math.Pi / 180
	dDec := (p2.Dec - p1.Dec) * math.Pi / 180
	dRA := (p2.RA - p1.RA) * math.Pi / 180

	a := math.Sin(dDec/2)*math.Sin(dDec/2) +
		math.Cos(dec1)*math.Cos(dec2)*math.Sin(dRA/2)*math.Sin(dRA/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return c * 180 / math.Pi
}

// FileSummary describes one input of a matching run.
type FileSummary struct {
	Name       string `json:"name"`
	Detections int    `json:"detections"`
}

// Result holds a complete matching run.
type Result struct {
	Tolerance      Tolerance     `json:"tolerance"`
	ProcessingTime time.Time     `json:"processing_time"`
	Files          []FileSummary `json:"files"`
	Pairs          []Pair        `json:"pairs"`
}

// Engine runs coincidence matching with fixed tolerances.
type Engine struct {
	tol    Tolerance
	logger *log.Logger
}

// NewEngine creates an engine from the match configuration.
func NewEngine(cfg config.MatchConfig, logger *log.Logger) (*Engine, error) {
	tol := Tolerance{
		Time:      cfg.TimeTolerance,
		Frequency: cfg.FrequencyTolerance,
		Angular:   cfg.AngularTolerance,
	}
	if err := tol.Validate(); err != nil {
		return nil, err
	}
	return &Engine{tol: tol, logger: logging.OrDiscard(logger)}, nil
}

// Tolerance returns the engine's tolerances.
func (e *Engine) Tolerance() Tolerance { return e.tol }

// Run matches detection lists keyed by file.
func (e *Engine) Run(lists map[string][]Detection) (*Result, error) {
	if len(lists) < 2 {
		return nil, fmt.Errorf("matching requires at least 2 files, got %d", len(lists))
	}

	result := &Result{Tolerance: e.tol, ProcessingTime: time.Now()}
	for name, d := range lists {
		result.Files = append(result.Files, FileSummary{Name: name, Detections: len(d)})
	}
	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].Name < result.Files[j].Name })

	result.Pairs = MatchAll(lists, e.tol)
	e.logger.Info("Matching complete", "files", len(lists), "pairs", len(result.Pairs))
	return result, nil
}
