package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatHeartbeat encodes t as unix milliseconds, the heartbeat wire format.
func FormatHeartbeat(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func ParseHeartbeat(data []byte) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat %q: %w", data, err)
	}
	return time.UnixMilli(ms), nil
}
