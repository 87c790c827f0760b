package domain

// NTPEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const NTPEpochOffset = 2208988800

// ClockSample is one round-trip probe against the coordinator's time
// server. All fields are seconds since the NTP epoch.
type ClockSample struct {
	ReqSent uint32 `json:"req_sent"`
	ReqRecv uint32 `json:"req_recv"`
	ResSent uint32 `json:"res_sent"`
	ResRecv uint32 `json:"res_recv"`
}

// Offset returns ((ReqRecv-ReqSent) + (ResRecv-ResSent)) / 2.
// Differences are taken modulo 2^32 and read as signed so a sample that
// straddles the 32-bit rollover still yields a small value.
func (s ClockSample) Offset() int64 {
	up := int64(int32(s.ReqRecv - s.ReqSent))
	down := int64(int32(s.ResRecv - s.ResSent))
	return (up + down) / 2
}

// AverageOffset returns the truncated mean of the per-sample offsets.
// It returns 0 for no samples.
func AverageOffset(samples []ClockSample) int64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += s.Offset()
	}
	return sum / int64(len(samples))
}

// UnixToNTP converts UNIX seconds to 32-bit NTP seconds.
func UnixToNTP(unix int64) uint32 {
	return uint32(unix + NTPEpochOffset)
}

// NTPToUnix converts 32-bit NTP seconds (era 0) to UNIX seconds.
func NTPToUnix(ntp uint32) int64 {
	return int64(ntp) - NTPEpochOffset
}
