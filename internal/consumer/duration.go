package consumer

import (
	"fmt"
	"regexp"
	"strconv"
)

var durationPattern = regexp.MustCompile(`^(\d+)([smhd]?)$`)

// ParseDuration converts "30m", "24h", "7d" or raw seconds ("3600") to seconds.
func ParseDuration(s string) (int64, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want N, Ns, Nm, Nh or Nd", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	mult := map[string]int64{"": 1, "s": 1, "m": 60, "h": 3600, "d": 86400}[m[2]]
	if n <= 0 || n > (1<<62)/mult {
		return 0, fmt.Errorf("duration %q out of range", s)
	}
	return n * mult, nil
}
