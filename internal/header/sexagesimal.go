package header

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// HHMMSSToDegrees converts a packed hhmmss.s right ascension to degrees.
func HHMMSSToDegrees(v float64) float64 {
	return 15 * unpackSexagesimal(v)
}

// DegreesToHHMMSS converts a right ascension in degrees to packed hhmmss.s.
func DegreesToHHMMSS(deg float64) float64 {
	return packSexagesimal(deg / 15)
}

// DDMMSSToDegrees converts a packed ddmmss.s declination to degrees.
func DDMMSSToDegrees(v float64) float64 {
	return unpackSexagesimal(v)
}

// DegreesToDDMMSS converts a declination in degrees to packed ddmmss.s.
func DegreesToDDMMSS(deg float64) float64 {
	return packSexagesimal(deg)
}

func unpackSexagesimal(v float64) float64 {
	sign := 1.0
	if v < 0 {
		sign, v = -1, -v
	}
	whole := math.Floor(v / 10000)
	minutes := math.Floor((v - whole*10000) / 100)
	seconds := v - whole*10000 - minutes*100
	return sign * (whole + minutes/60 + seconds/3600)
}

func packSexagesimal(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign, x = -1, -x
	}
	whole := math.Floor(x)
	rem := (x - whole) * 60
	minutes := math.Floor(rem)
	seconds := (rem - minutes) * 60
	return sign * (whole*10000 + minutes*100 + seconds)
}

// ParseSexagesimal parses "[+-]dd:mm:ss.s" into a value in units of the
// leading field (hours or degrees).
func ParseSexagesimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty sexagesimal value")
	}
	sign := 1.0
	switch s[0] {
	case '-':
		sign, s = -1, s[1:]
	case '+':
		s = s[1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("sexagesimal value %q has %d fields", s, len(parts))
	}
	var total float64
	scale := 1.0
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("sexagesimal value %q: %w", s, err)
		}
		total += f / scale
		scale *= 60
	}
	return sign * total, nil
}

// FormatSexagesimal renders v as "dd:mm:ss.ssss". Signed values always
// carry a leading sign.
func FormatSexagesimal(v float64, signed bool) string {
	sign := "+"
	if v < 0 {
		sign, v = "-", -v
	}
	// round at the printed precision first so 59.99995 carries into the minute
	total := math.Round(v*3600*1e4) / 1e4
	whole := math.Floor(total / 3600)
	minutes := math.Floor((total - whole*3600) / 60)
	seconds := total - whole*3600 - minutes*60

	s := fmt.Sprintf("%02d:%02d:%07.4f", int(whole), int(minutes), seconds)
	if signed {
		return sign + s
	}
	if sign == "-" {
		return "-" + s
	}
	return s
}
