package security

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is used whenever a TTL string cannot be parsed.
const DefaultTTL = 15 * time.Minute

var ttlPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

var ttlUnitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 60 * 60,
	"d": 24 * 60 * 60,
}

// TTLSeconds converts a token lifetime such as "900s", "15m", "12h" or "30d" to seconds.
// A bare integer is taken as seconds. Anything else, including zero, yields DefaultTTL.
func TTLSeconds(s string) int64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if m := ttlPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil && n > 0 && n <= maxTTLSeconds/ttlUnitSeconds[m[2]] {
			return n * ttlUnitSeconds[m[2]]
		}
		return int64(DefaultTTL / time.Second)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 && n <= maxTTLSeconds {
		return n
	}
	return int64(DefaultTTL / time.Second)
}

// maxTTLSeconds keeps the result representable as a time.Duration.
const maxTTLSeconds = int64(1<<63-1) / int64(time.Second)

// ParseTTL is TTLSeconds as a time.Duration.
func ParseTTL(s string) time.Duration {
	return time.Duration(TTLSeconds(s)) * time.Second
}

// ValidTTL reports whether s uses the strict <n><unit> form accepted by configuration with a
// positive magnitude that fits a time.Duration. Anything it rejects would parse to DefaultTTL.
func ValidTTL(s string) bool {
	m := ttlPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	return err == nil && n > 0 && n <= maxTTLSeconds/ttlUnitSeconds[m[2]]
}
