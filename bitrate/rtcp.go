package bitrate

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pkg/errors"
)

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// RecordRTCP extracts loss and RTT from sender/receiver reports in a compound
// RTCP packet and applies them as one feedback sample. Packets without
// reception reports are ignored. now is the arrival time.
func (c *Controller) RecordRTCP(raw []byte, now time.Time) error {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return errors.Wrap(err, "bitrate: unmarshal rtcp")
	}

	var reports []rtcp.ReceptionReport
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.ReceiverReport:
			reports = append(reports, pkt.Reports...)
		case *rtcp.SenderReport:
			reports = append(reports, pkt.Reports...)
		}
	}
	if len(reports) == 0 {
		return nil
	}

	loss, rtt, ok := feedbackFromReports(reports, now)
	if !ok {
		c.mu.Lock()
		rtt = c.lastRTT
		c.mu.Unlock()
	}
	c.RecordNetworkFeedback(loss, rtt)
	return nil
}

// feedbackFromReports takes the worst loss fraction and the largest RTT
// across reports. RTT is only known for reports that echo a sender report.
func feedbackFromReports(reports []rtcp.ReceptionReport, now time.Time) (float64, time.Duration, bool) {
	var (
		loss   float64
		rtt    time.Duration
		gotRTT bool
	)
	mid := ntpMiddle(now)
	for _, r := range reports {
		loss = max(loss, float64(r.FractionLost)/256)
		if r.LastSenderReport == 0 {
			continue
		}
		// RTT = A - LSR - DLSR in 1/65536 s units, modulo 2^32.
		units := mid - r.LastSenderReport - r.Delay
		if units > 1<<31 {
			continue
		}
		d := time.Duration(uint64(units) * uint64(time.Second) / 65536)
		if !gotRTT || d > rtt {
			rtt = d
			gotRTT = true
		}
	}
	return loss, rtt, gotRTT
}

// ntpMiddle returns the middle 32 bits of the 64-bit NTP timestamp for t.
func ntpMiddle(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32((secs<<32 | frac) >> 16)
}
