package mesh

import "time"

// rateIdleReset is how long a sender can go quiet before its packet
// counter resets rather than continuing to accumulate (spec §9 / Python
// _check_rate_limit: "if more than a minute has passed").
const rateIdleReset = 60 * time.Second

// rateWindow enforces a per-sender packets-per-minute budget. It
// deliberately keeps the original's simple reset-on-idle semantics
// instead of a true sliding or token-bucket window (an Open Question the
// spec leaves to the implementation) — p2p/ratelimit.go's token bucket
// was considered and rejected here because it smooths bursts the spec's
// reference behavior does not.
type rateWindow struct {
	limit      int
	lastPacket map[string]time.Time
	count      map[string]int
	violations map[string]int
	now        func() time.Time
}

func newRateWindow(limit int, now func() time.Time) *rateWindow {
	if now == nil {
		now = time.Now
	}
	if limit <= 0 {
		limit = 10
	}
	return &rateWindow{
		limit:      limit,
		lastPacket: make(map[string]time.Time),
		count:      make(map[string]int),
		violations: make(map[string]int),
		now:        now,
	}
}

// Allow records one packet from senderID and reports whether it is
// within budget.
func (w *rateWindow) Allow(senderID string) bool {
	now := w.now()
	if last, ok := w.lastPacket[senderID]; ok && now.Sub(last) > rateIdleReset {
		w.count[senderID] = 0
	}
	w.count[senderID]++
	w.lastPacket[senderID] = now

	if w.count[senderID] > w.limit {
		w.violations[senderID]++
		return false
	}
	return true
}

// Violations returns the total rate-limit rejections across all senders.
func (w *rateWindow) Violations() int {
	total := 0
	for _, v := range w.violations {
		total += v
	}
	return total
}

// Forget discards tracking data for senderID.
func (w *rateWindow) Forget(senderID string) {
	delete(w.lastPacket, senderID)
	delete(w.count, senderID)
	delete(w.violations, senderID)
}
