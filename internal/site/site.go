// Package site determines the observatory position stamped into converted
// datasets, either from a recorded NMEA log or from configuration.
package site

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/charmbracelet/log"

	"telecube/internal/config"
	"telecube/internal/logging"
)

// Position is a fix in decimal degrees and meters.
type Position struct {
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Timestamp  time.Time // zero when the log carried no date
	FixQuality int
	Satellites int
}

// Fix quality codes, as carried in GGA sentences.
const (
	FixInvalid = 0
	FixGPS     = 1
	FixDGPS    = 2
	FixPPS     = 3
	FixRTK     = 4
	FixFRTK    = 5
	FixManual  = 7
)

func fixQuality(q string) int {
	switch q {
	case nmea.GPS:
		return FixGPS
	case nmea.DGPS:
		return FixDGPS
	case nmea.PPS:
		return FixPPS
	case nmea.RTK:
		return FixRTK
	case nmea.FRTK:
		return FixFRTK
	case nmea.Manual:
		return FixManual
	}
	return FixInvalid
}

// rank orders fix qualities by expected accuracy.
func rank(q int) int {
	switch q {
	case FixRTK:
		return 6
	case FixFRTK:
		return 5
	case FixDGPS:
		return 4
	case FixPPS:
		return 3
	case FixGPS:
		return 2
	case FixManual:
		return 1
	}
	return 0
}

// better reports whether a is a more trustworthy fix than b.
func better(a, b Position) bool {
	if rank(a.FixQuality) != rank(b.FixQuality) {
		return rank(a.FixQuality) > rank(b.FixQuality)
	}
	return a.Satellites >= b.Satellites
}

// QualityString describes a fix quality code.
func QualityString(q int) string {
	switch q {
	case FixInvalid:
		return "Invalid"
	case FixGPS:
		return "GPS fix (SPS)"
	case FixDGPS:
		return "DGPS fix"
	case FixPPS:
		return "PPS fix"
	case FixRTK:
		return "Real Time Kinematic"
	case FixFRTK:
		return "Float RTK"
	case FixManual:
		return "Manual input mode"
	}
	return "Unknown"
}

// ParseNMEA scans a recorded NMEA log and returns its best fix. GGA
// sentences provide the fixes; valid RMC sentences provide the date.
// Lines that are not well-formed sentences are skipped.
func ParseNMEA(r io.Reader, logger *log.Logger) (*Position, error) {
	logger = logging.OrDiscard(logger)

	var (
		best    Position
		found   bool
		date    nmea.Date
		skipped int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] != '$' {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			skipped++
			logger.Debug("NMEA parse error", "err", err, "line", line)
			continue
		}

		switch s := sentence.(type) {
		case nmea.RMC:
			if s.Validity != nmea.ValidRMC || !s.Date.Valid {
				continue
			}
			date = s.Date
			if found && best.Timestamp.IsZero() {
				best.Timestamp = stamp(date, s.Time)
			}
		case nmea.GGA:
			q := fixQuality(s.FixQuality)
			if q == FixInvalid {
				continue
			}
			pos := Position{
				Latitude:   s.Latitude,
				Longitude:  s.Longitude,
				Altitude:   s.Altitude,
				FixQuality: q,
				Satellites: int(s.NumSatellites),
			}
			if date.Valid {
				pos.Timestamp = stamp(date, s.Time)
			}
			if !found || better(pos, best) {
				best, found = pos, true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read NMEA log: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no valid fix in NMEA log (%d unparsable sentences)", skipped)
	}

	logger.Debug("NMEA fix", "lat", best.Latitude, "lon", best.Longitude,
		"quality", QualityString(best.FixQuality), "satellites", best.Satellites)
	return &best, nil
}

func stamp(d nmea.Date, t nmea.Time) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	year := 2000 + d.YY
	if d.YY >= 70 {
		year = 1900 + d.YY
	}
	return time.Date(year, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}

// ReadNMEAFile parses the NMEA log at path.
func ReadNMEAFile(path string, logger *log.Logger) (*Position, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open NMEA log %s: %w", path, err)
	}
	defer f.Close()

	pos, err := ParseNMEA(f, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pos, nil
}

// FromConfig resolves the configured site. It returns nil in "none" mode.
func FromConfig(cfg config.SiteConfig, logger *log.Logger) (*Position, error) {
	switch cfg.Mode {
	case "", "none":
		return nil, nil
	case "nmea":
		return ReadNMEAFile(cfg.NMEAFile, logger)
	case "manual":
		return &Position{
			Latitude:   cfg.Latitude,
			Longitude:  cfg.Longitude,
			Altitude:   cfg.Elevation,
			FixQuality: FixManual,
		}, nil
	}
	return nil, fmt.Errorf("invalid site mode: %s", cfg.Mode)
}
