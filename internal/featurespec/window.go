package featurespec

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultWindow applies to window strings that do not parse.
const DefaultWindow = time.Hour

// MaxInterval caps windows and schedule intervals so N*unit cannot overflow.
const MaxInterval = 10 * 365 * 24 * time.Hour

var windowPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseWindow parses <N><s|m|h|d>. Anything else yields DefaultWindow.
func ParseWindow(value string) time.Duration {
	d, ok := ParseInterval(value)
	if !ok {
		return DefaultWindow
	}
	return d
}

// ParseInterval is the strict form of ParseWindow. Values above MaxInterval
// are rejected.
func ParseInterval(value string) (time.Duration, bool) {
	match := windowPattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	var unit time.Duration
	switch match[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > int64(MaxInterval/unit) {
		return 0, false
	}
	return time.Duration(n) * unit, true
}
