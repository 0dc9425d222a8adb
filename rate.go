package dumbbell

// rate.go holds the units used to describe links and applications:
// data rates in bits per second and time offsets in seconds

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DataRate is a transmission rate in bits per second
type DataRate float64

const (
	Bps  DataRate = 1
	Kbps          = 1000 * Bps
	Mbps          = 1000 * Kbps
	Gbps          = 1000 * Mbps
)

// rateSuffixes is ordered so that longer suffixes are tested first
var rateSuffixes = []struct {
	suffix string
	scale  DataRate
}{
	{"Gbps", Gbps},
	{"Mbps", Mbps},
	{"Kbps", Kbps},
	{"kbps", Kbps},
	{"bps", Bps},
	{"Gb/s", Gbps},
	{"Mb/s", Mbps},
	{"Kb/s", Kbps},
	{"kb/s", Kbps},
	{"b/s", Bps},
}

// ParseDataRate converts strings like "1Gbps", "10Mb/s" or "1500bps" into a DataRate
func ParseDataRate(s string) (DataRate, error) {
	v := strings.TrimSpace(s)
	for _, rs := range rateSuffixes {
		if !strings.HasSuffix(v, rs.suffix) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(v, rs.suffix))
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("data rate %q: %w", s, err)
		}
		if f < 0 {
			return 0, fmt.Errorf("data rate %q is negative", s)
		}
		return DataRate(f) * rs.scale, nil
	}
	return 0, fmt.Errorf("data rate %q has no recognized unit", s)
}

// String renders the rate with the largest unit that keeps the value >= 1
func (r DataRate) String() string {
	switch {
	case r >= Gbps:
		return strconv.FormatFloat(float64(r/Gbps), 'f', -1, 64) + "Gbps"
	case r >= Mbps:
		return strconv.FormatFloat(float64(r/Mbps), 'f', -1, 64) + "Mbps"
	case r >= Kbps:
		return strconv.FormatFloat(float64(r/Kbps), 'f', -1, 64) + "Kbps"
	}
	return strconv.FormatFloat(float64(r), 'f', -1, 64) + "bps"
}

// TransferTime returns the seconds needed to put nbytes on a wire running at rate
func TransferTime(rate DataRate, nbytes int) float64 {
	if rate <= 0 {
		return 0.0
	}
	return float64(nbytes*8) / float64(rate)
}

// ParseSeconds converts a duration string such as "10us" or "5s" to seconds
func ParseSeconds(s string) (float64, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	return d.Seconds(), nil
}

// mustRate is used for the built-in defaults, which are known to parse
func mustRate(s string) DataRate {
	r, err := ParseDataRate(s)
	if err != nil {
		panic(err)
	}
	return r
}
