package models

import (
	"sort"
	"strconv"
)

// LineKey identifies a line within a vehicle type ("bus 175", "tram 17")
type LineKey struct {
	Type VehicleType `json:"type"`
	Line string      `json:"line"`
}

func (k LineKey) String() string {
	return strconv.Itoa(int(k.Type)) + "-" + k.Line
}

// CompareLines orders line labels the way they are listed to riders:
// numeric labels ascending, all numeric labels before non-numeric ones,
// non-numeric labels lexicographically.
func CompareLines(a, b string) int {
	an, aErr := strconv.Atoi(a)
	bn, bErr := strconv.Atoi(b)

	switch {
	case aErr == nil && bErr == nil:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	}

	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SortLineKeys sorts by type first, then by CompareLines
func SortLineKeys(keys []LineKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return CompareLines(keys[i].Line, keys[j].Line) < 0
	})
}
