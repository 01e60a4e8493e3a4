package matchtypes

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is a dartboard segment label: a ring prefix plus wedge number
// ("S20", "D16", "T19"), the bulls ("SB", "DB"), or "Miss".
type Segment string

const (
	SegMiss      Segment = "Miss"
	SegOuterBull Segment = "SB"
	SegInnerBull Segment = "DB"

	outerBullValue = 25
	innerBullValue = 50
)

// MakeSegment builds a label from a ring multiplier (1..3) and wedge (1..20).
func MakeSegment(multiplier, wedge int) Segment {
	ring := "S"
	switch multiplier {
	case 2:
		ring = "D"
	case 3:
		ring = "T"
	}
	return Segment(fmt.Sprintf("%s%d", ring, wedge))
}

// ParseSegment normalizes a raw label. Anything malformed maps to Miss:
// historical throw data must always replay to some deterministic state.
func ParseSegment(raw string) Segment {
	s := strings.TrimSpace(raw)
	switch strings.ToUpper(s) {
	case "MISS", "M", "0", "":
		return SegMiss
	case "SB", "25":
		return SegOuterBull
	case "DB", "BULL", "50":
		return SegInnerBull
	}
	if len(s) < 2 {
		return SegMiss
	}
	ring := strings.ToUpper(s[:1])
	if ring != "S" && ring != "D" && ring != "T" {
		return SegMiss
	}
	wedge, err := strconv.Atoi(s[1:])
	if err != nil || wedge < 1 || wedge > 20 {
		return SegMiss
	}
	return Segment(ring + strconv.Itoa(wedge))
}

// Value is the score the segment awards.
func (s Segment) Value() int {
	switch s {
	case SegMiss:
		return 0
	case SegOuterBull:
		return outerBullValue
	case SegInnerBull:
		return innerBullValue
	}
	if len(s) < 2 {
		return 0
	}
	wedge, err := strconv.Atoi(string(s[1:]))
	if err != nil {
		return 0
	}
	switch s[0] {
	case 'S':
		return wedge
	case 'D':
		return 2 * wedge
	case 'T':
		return 3 * wedge
	}
	return 0
}

// IsDouble reports whether the segment satisfies a double-out finish.
// The inner bull counts as a double.
func (s Segment) IsDouble() bool {
	return s == SegInnerBull || (len(s) > 1 && s[0] == 'D')
}
