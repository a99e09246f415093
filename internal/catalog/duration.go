package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDuration indicates a steep duration not in "[D ]HH:MM:SS" or plain seconds form.
var ErrInvalidDuration = errors.New("catalog: invalid duration")

// ParseSteep parses the API duration format "HH:MM:SS", optionally prefixed by
// a day count ("1 02:00:00"), or a plain number of seconds.
func ParseSteep(rawInput string) (time.Duration, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDuration)
	}
	if !strings.Contains(trimmed, ":") {
		seconds, err := strconv.Atoi(trimmed)
		if err != nil || seconds < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, rawInput)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	days := 0
	clock := trimmed
	if dayPart, rest, found := strings.Cut(trimmed, " "); found {
		parsed, err := strconv.Atoi(dayPart)
		if err != nil || parsed < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, rawInput)
		}
		days = parsed
		clock = strings.TrimSpace(rest)
	}

	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, rawInput)
	}
	values := make([]int, 3)
	for index, part := range parts {
		// Fractional seconds are dropped.
		whole, _, _ := strings.Cut(part, ".")
		value, err := strconv.Atoi(whole)
		if err != nil || value < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, rawInput)
		}
		values[index] = value
	}
	total := days*24*3600 + values[0]*3600 + values[1]*60 + values[2]
	return time.Duration(total) * time.Second, nil
}

// FormatSteep renders a duration in the API "HH:MM:SS" form.
func FormatSteep(duration time.Duration) string {
	if duration < 0 {
		duration = 0
	}
	total := int(duration / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
