package mesh

import "time"

const (
	// activeNeighborWindow is how recently a neighbor must have been seen
	// to count as "active" (spec §9's get_active_neighbors default).
	activeNeighborWindow = 300 * time.Second

	reliabilityMin  = 0.1
	reliabilityMax  = 1.0
	reliabilityStep = 0.1
)

// topology tracks which neighbors this node has observed, over which
// transports, and how reliable each has been. Grounded on the Python
// NetworkTopology class; the Go port swaps its per-field dict-of-sets
// layout for one record keyed by node id, since every field shares the
// same key space and the manager already holds a single coarse mutex.
type topology struct {
	neighbors map[string]*neighborRecord
	now       func() time.Time
}

type neighborRecord struct {
	transports  map[string]struct{}
	lastSeen    time.Time
	reliability float64
}

func newTopology(now func() time.Time) *topology {
	if now == nil {
		now = time.Now
	}
	return &topology{neighbors: make(map[string]*neighborRecord), now: now}
}

func (t *topology) recordOrCreate(nodeID string) *neighborRecord {
	rec, ok := t.neighbors[nodeID]
	if !ok {
		rec = &neighborRecord{transports: make(map[string]struct{}), reliability: reliabilityMax}
		t.neighbors[nodeID] = rec
	}
	return rec
}

// AddNeighbor records that nodeID was observed via transportTag just now.
func (t *topology) AddNeighbor(nodeID, transportTag string) {
	rec := t.recordOrCreate(nodeID)
	rec.transports[transportTag] = struct{}{}
	rec.lastSeen = t.now()
}

// RemoveNeighbor forgets nodeID's association with transportTag, or with
// every transport when transportTag is empty.
func (t *topology) RemoveNeighbor(nodeID, transportTag string) {
	rec, ok := t.neighbors[nodeID]
	if !ok {
		return
	}
	if transportTag == "" {
		rec.transports = make(map[string]struct{})
		return
	}
	delete(rec.transports, transportTag)
}

// ActiveNeighbors returns node ids last seen within activeNeighborWindow.
func (t *topology) ActiveNeighbors() []string {
	now := t.now()
	var active []string
	for id, rec := range t.neighbors {
		if now.Sub(rec.lastSeen) <= activeNeighborWindow {
			active = append(active, id)
		}
	}
	return active
}

// UpdateReliability nudges nodeID's reliability score by +/-0.1, clamped
// to [0.1, 1.0].
func (t *topology) UpdateReliability(nodeID string, success bool) {
	rec := t.recordOrCreate(nodeID)
	if success {
		rec.reliability += reliabilityStep
		if rec.reliability > reliabilityMax {
			rec.reliability = reliabilityMax
		}
		return
	}
	rec.reliability -= reliabilityStep
	if rec.reliability < reliabilityMin {
		rec.reliability = reliabilityMin
	}
}

// AverageReliability returns the mean reliability across every tracked
// neighbor, or 1.0 when none are tracked yet.
func (t *topology) AverageReliability() float64 {
	if len(t.neighbors) == 0 {
		return reliabilityMax
	}
	var sum float64
	for _, rec := range t.neighbors {
		sum += rec.reliability
	}
	return sum / float64(len(t.neighbors))
}

// Forget discards all tracking data for nodeID. Age is not checked here;
// Manager.Cleanup calls it for the ids StaleNodes reports.
func (t *topology) Forget(nodeID string) {
	delete(t.neighbors, nodeID)
}

// StaleNodes returns node ids whose lastSeen exceeds maxAge.
func (t *topology) StaleNodes(maxAge time.Duration) []string {
	now := t.now()
	var stale []string
	for id, rec := range t.neighbors {
		if now.Sub(rec.lastSeen) > maxAge {
			stale = append(stale, id)
		}
	}
	return stale
}
