package redisbox

import (
	"strconv"
	"time"
)

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseUnixNano(raw string) (time.Time, error) {
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	return time.Unix(0, nanos), nil
}
