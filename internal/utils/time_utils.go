package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration accepts the usual time.ParseDuration forms plus a day suffix,
// e.g. "10s", "20m", "48h", "2d".
func ParseDuration(timeString string) (time.Duration, error) {
	timeString = strings.TrimSpace(strings.ToLower(timeString))
	if timeString == "" {
		return 0, nil
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time format: %s", timeString)
		}
		return time.Duration(number) * time.Hour * 24, nil
	}
	d, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format: %s", timeString)
	}
	return d, nil
}
