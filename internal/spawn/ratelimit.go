package spawn

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// Epoch form: "Claude AI usage limit reached|1712345678".
	rateLimitEpochPattern = regexp.MustCompile(`(?i)usage limit reached\|(\d{9,12})`)

	// Wall-clock form: "usage limit reached ... resets at 3pm",
	// "... reset at 11:30pm".
	rateLimitClockPattern = regexp.MustCompile(`(?i)usage limit reached.*?resets?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)

	// Bare mention without a parseable reset time.
	rateLimitBarePattern = regexp.MustCompile(`(?i)(usage limit reached|rate limit(?:ed)?\s+(?:reached|exceeded|hit))`)
)

// fallbackResetDelay is used when a rate-limit notice carries no
// parseable reset time.
const fallbackResetDelay = time.Hour

// detectRateLimit reports whether assistant text is a rate-limit notice
// and the reset instant it implies.
func detectRateLimit(text string, now time.Time) (time.Time, bool) {
	if m := rateLimitEpochPattern.FindStringSubmatch(text); m != nil {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return time.Unix(secs, 0), true
		}
	}
	if m := rateLimitClockPattern.FindStringSubmatch(text); m != nil {
		return nextClockTime(now, m[1], m[2], m[3]), true
	}
	if rateLimitBarePattern.MatchString(text) {
		return now.Add(fallbackResetDelay), true
	}
	return time.Time{}, false
}

// nextClockTime maps an "N[:MM] am/pm" reference onto its next
// wall-clock occurrence after now.
func nextClockTime(now time.Time, hourStr, minStr, meridiem string) time.Time {
	hour, _ := strconv.Atoi(hourStr)
	minute := 0
	if minStr != "" {
		minute, _ = strconv.Atoi(minStr)
	}
	if hour == 12 {
		hour = 0
	}
	if strings.EqualFold(meridiem, "pm") {
		hour += 12
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}
