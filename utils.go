package timewheel

import "time"

func time2MS(t time.Time) int64 {
	// converte time to unix ms
	return t.UnixMilli()
}

func ms2Time(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nowMS() int64 {
	return time2MS(time.Now())
}

func truncate(t, tickMS int64) int64 {
	// align with interval
	return t - t%tickMS
}
