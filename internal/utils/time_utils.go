package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
)

// ParseStringTime parses the duration strings used in config.json. Besides
// everything time.ParseDuration accepts it understands a day suffix ("2d")
// and is case-insensitive ("20M" is twenty minutes).
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0
	}
	if days, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(days)
		if err != nil {
			logger.ErrorF("Error parsing time string %q: %v", timeString, err)
			return 0
		}
		return time.Duration(number) * 24 * time.Hour
	}
	duration, err := time.ParseDuration(timeString)
	if err != nil {
		logger.ErrorF("invalid time format: %s", timeString)
		return 0
	}
	return duration
}

// ParseStringTimeOr is ParseStringTime with a fallback for empty or invalid values.
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	if d := ParseStringTime(timeString); d > 0 {
		return d
	}
	return fallback
}
