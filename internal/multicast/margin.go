package multicast

import (
	"math"
	"time"
)

// DefaultMargin applies to intervals longer than every threshold.
const DefaultMargin = 1000 * time.Millisecond

type marginBucket struct {
	upTo  float64 // interval length in seconds
	fec   [2]int  // ms, {low loss, high loss}
	noFEC [2]int
}

// Ordered by threshold; the first bucket that fits wins.
var marginTable = []marginBucket{
	{upTo: 0.25, fec: [2]int{50, 50}, noFEC: [2]int{50, 50}},
	{upTo: 0.3, fec: [2]int{190, 190}, noFEC: [2]int{190, 190}},
	{upTo: 0.5, fec: [2]int{250, 150}, noFEC: [2]int{250, 150}},
	{upTo: 1.0, fec: [2]int{400, 350}, noFEC: [2]int{400, 300}},
	{upTo: 4.0, fec: [2]int{1000, 1000}, noFEC: [2]int{600, 600}},
}

// IntervalDuration is the time between two consecutive sends of one video:
// the chunk duration when chunking, the segment duration otherwise.
func IntervalDuration(segmentSeconds, chunks int) time.Duration {
	return time.Duration(segmentSeconds) * time.Second / time.Duration(max(1, chunks))
}

// DeadlineMargin is how long before the end of an interval a file must have
// reached receivers.
func DeadlineMargin(interval time.Duration, fec, highLoss bool) time.Duration {
	secs := interval.Seconds()
	for _, b := range marginTable {
		if secs > b.upTo {
			continue
		}
		v := b.noFEC
		if fec {
			v = b.fec
		}
		if highLoss {
			return time.Duration(v[1]) * time.Millisecond
		}
		return time.Duration(v[0]) * time.Millisecond
	}
	return DefaultMargin
}

// Deadline returns now plus the interval minus the margin, rounded to the
// millisecond.
func Deadline(now time.Time, interval, margin time.Duration) time.Time {
	ms := math.Round(float64(interval-margin) / float64(time.Millisecond))
	return now.Add(time.Duration(ms) * time.Millisecond)
}
