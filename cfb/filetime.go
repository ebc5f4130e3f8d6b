package cfb

import "time"

// filetimeEpoch is the OLE FILETIME zero point, 1601-01-01 UTC. A
// FILETIME counts 100-nanosecond intervals since this instant.
var filetimeEpoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

// filetimeToTime converts a raw 64-bit FILETIME into a time.Time. A zero
// FILETIME (the common "not set" sentinel) maps to the zero time.Time.
func filetimeToTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	// Go through Unix seconds: a time.Duration spans only ~292 years, far
	// less than the distance from 1601 to present-day timestamps.
	secs := int64(ft / 1e7)
	nsec := int64(ft%1e7) * 100
	return time.Unix(filetimeEpoch.Unix()+secs, nsec).UTC()
}

// timeToFiletime is the inverse of filetimeToTime.
func timeToFiletime(t time.Time) uint64 {
	if t.IsZero() || t.Before(filetimeEpoch) {
		return 0
	}
	secs := uint64(t.Unix() - filetimeEpoch.Unix())
	return secs*1e7 + uint64(t.Nanosecond())/100
}
