package aggregator

import "github.com/shopspring/decimal"

// compactThreshold is the number of consumed points kept before the backing slice is compacted
const compactThreshold = 1024

type windowPoint struct {
	timestamp int64
	used      decimal.Decimal
	feePaid   decimal.Decimal
}

// Window keeps sliding sums of used and fee paid over the trailing duration ending at the newest point.
// A point stays in the window while timestamp >= newest - duration.
type Window struct {
	duration   int64
	points     []windowPoint
	head       int
	sumUsed    decimal.Decimal
	sumFeePaid decimal.Decimal
}

// NewWindow creates an empty trailing window
func NewWindow(duration int64) *Window {
	if duration <= 0 {
		panic("aggregator: non-positive trailing duration")
	}
	return &Window{duration: duration}
}

// Add appends a point and evicts the points that fell out of the window
func (w *Window) Add(timestamp int64, used, feePaid decimal.Decimal) {
	w.points = append(w.points, windowPoint{timestamp: timestamp, used: used, feePaid: feePaid})
	w.sumUsed = w.sumUsed.Add(used)
	w.sumFeePaid = w.sumFeePaid.Add(feePaid)

	cutoff := timestamp - w.duration
	for w.head < len(w.points) && w.points[w.head].timestamp < cutoff {
		old := w.points[w.head]
		w.sumUsed = w.sumUsed.Sub(old.used)
		w.sumFeePaid = w.sumFeePaid.Sub(old.feePaid)
		w.points[w.head] = windowPoint{}
		w.head++
	}

	if w.head >= compactThreshold && w.head*2 >= len(w.points) {
		n := copy(w.points, w.points[w.head:])
		w.points = w.points[:n]
		w.head = 0
	}
}

// Duration returns the trailing duration in seconds
func (w *Window) Duration() int64 { return w.duration }

// Len returns the number of points currently inside the window
func (w *Window) Len() int { return len(w.points) - w.head }

// SumUsed returns the sum of used over the window
func (w *Window) SumUsed() decimal.Decimal { return w.sumUsed }

// SumFeePaid returns the sum of fee paid over the window
func (w *Window) SumFeePaid() decimal.Decimal { return w.sumFeePaid }

// Start returns the timestamp of the oldest point in the window, or 0 when empty
func (w *Window) Start() int64 {
	if w.Len() == 0 {
		return 0
	}
	return w.points[w.head].timestamp
}

// Average returns sumFeePaid / sumUsed truncated to an integer
func (w *Window) Average() decimal.Decimal {
	return ratio(w.sumFeePaid, w.sumUsed)
}

// ratio divides two integer amounts, returning zero for a zero denominator
func ratio(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}
	q, _ := numerator.QuoRem(denominator, 0)
	return q
}
