package tasks

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	timestampLayout = "20060102_150405"
	overlayLayout   = "02/01/2006\n15:04"
)

var timestampPattern = regexp.MustCompile(`(\d{8}_\d{6})$`)

// TimestampError reports a file name whose stem does not end in YYYYMMDD_HHMMSS.
type TimestampError struct {
	Name string
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("no capture timestamp in %q", e.Name)
}

// ParseTimestamp reads the capture time encoded at the end of a file stem,
// e.g. 20250611_232336.jpg. The result is in UTC.
func ParseTimestamp(name string) (time.Time, error) {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	m := timestampPattern.FindStringSubmatch(stem)
	if m == nil {
		return time.Time{}, &TimestampError{Name: base}
	}
	t, err := time.ParseInLocation(timestampLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, &TimestampError{Name: base}
	}
	return t, nil
}

// OverlayText returns the two-line "DD/MM/YYYY\nHH:MM" stamp for name.
func OverlayText(name string) (string, error) {
	t, err := ParseTimestamp(name)
	if err != nil {
		return "", err
	}
	return t.Format(overlayLayout), nil
}

// Ordering decides the sequence of frames. Less reports whether a sorts
// before b; both are base names.
type Ordering interface {
	Name() string
	Less(a, b string) bool
}

// LexicographicOrder sorts by file name.
type LexicographicOrder struct{}

func (LexicographicOrder) Name() string          { return "lexicographic" }
func (LexicographicOrder) Less(a, b string) bool { return a < b }

// TimestampOrder sorts by the capture time in the name. Names without a
// timestamp go last, by name.
type TimestampOrder struct{}

func (TimestampOrder) Name() string { return "timestamp" }

func (TimestampOrder) Less(a, b string) bool {
	ta, errA := ParseTimestamp(a)
	tb, errB := ParseTimestamp(b)
	switch {
	case errA == nil && errB == nil:
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

// OrderingByName maps a configured name to an Ordering.
func OrderingByName(name string) (Ordering, error) {
	switch strings.ToLower(name) {
	case "", "lexicographic", "name":
		return LexicographicOrder{}, nil
	case "timestamp", "time":
		return TimestampOrder{}, nil
	}
	return nil, fmt.Errorf("unknown ordering %q", name)
}

// SortPaths orders paths in place by their base names.
func SortPaths(paths []string, ord Ordering) {
	if ord == nil {
		ord = LexicographicOrder{}
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return ord.Less(filepath.Base(paths[i]), filepath.Base(paths[j]))
	})
}
