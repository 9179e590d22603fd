package allocation

import (
	"fmt"
	"strconv"
	"strings"
)

// overlaps reports whether the half-open intervals [s1,e1) and [s2,e2)
// intersect. Zero-padded "HH:MM:SS" strings order lexicographically the same
// as the times they denote, so plain string comparison is exact.
func overlaps(s1, e1, s2, e2 string) bool {
	return s1 < e2 && s2 < e1
}

// toMinutes parses "HH:MM" or "HH:MM:SS" into minutes since midnight.
// Unparseable fields count as zero.
func toMinutes(t string) int {
	parts := strings.Split(strings.TrimSpace(t), ":")
	if len(parts) < 2 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	return h*60 + m
}

// fromMinutes renders minutes since midnight as "HH:MM:SS".
func fromMinutes(mins int) string {
	return fmt.Sprintf("%02d:%02d:00", mins/60, mins%60)
}
