// Package progress extracts a completion percentage from capture output.
package progress

import (
	"regexp"
	"strconv"
)

var (
	percentRx  = regexp.MustCompile(`(\d+)%`)
	// a standalone token, so digits in file paths never count
	fractionRx = regexp.MustCompile(`(?:^|[\s(\[])(\d+)/(\d+)(?:$|[\s)\],.;:])`)
)

// Parse returns a 0-100 value found in line. A "NN%" token wins over a
// "count/total" token, which is converted to a percentage. Values are
// clamped; a zero total is ignored.
func Parse(line string) (int, bool) {
	if m := percentRx.FindStringSubmatch(line); m != nil {
		p, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		return clamp(p), true
	}
	if m := fractionRx.FindStringSubmatch(line); m != nil {
		count, err1 := strconv.ParseInt(m[1], 10, 64)
		total, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 != nil || err2 != nil || total == 0 {
			return 0, false
		}
		return clamp(int(count * 100 / total)), true
	}
	return 0, false
}

func clamp(p int) int {
	return max(0, min(100, p))
}
