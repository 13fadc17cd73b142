package poster

import (
	"strconv"
	"strings"
	"time"
)

// FormatUptime renders a duration as "1 Day 2 Hours 3 Minutes 4 Seconds",
// omitting zero parts. Sub-second uptimes render as "0 Seconds".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Seconds())

	days := secs / 86400
	hours := (secs % 86400) / 3600
	minutes := (secs % 3600) / 60
	seconds := secs % 60

	var parts []string
	add := func(n int64, singular string) {
		if n == 0 {
			return
		}
		unit := singular
		if n != 1 {
			unit += "s"
		}
		parts = append(parts, strconv.FormatInt(n, 10)+" "+unit)
	}
	add(days, "Day")
	add(hours, "Hour")
	add(minutes, "Minute")
	add(seconds, "Second")

	if len(parts) == 0 {
		return "0 Seconds"
	}
	return strings.Join(parts, " ")
}

// FormatCadence renders a base delay with its optional jitter list in the
// compact form used in logs and notifications, e.g. "2m (+30s/+1m)".
func FormatCadence(base time.Duration, jitter []time.Duration) string {
	s := shortDuration(base)
	if len(jitter) == 0 {
		return s
	}
	parts := make([]string, 0, len(jitter))
	for _, j := range jitter {
		parts = append(parts, "+"+shortDuration(j))
	}
	return s + " (" + strings.Join(parts, "/") + ")"
}

func shortDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
