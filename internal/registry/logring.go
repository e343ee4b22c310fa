// ABOUTME: Fixed-capacity ring of log lines kept per agent
// ABOUTME: Appends overwrite the oldest line once the ring is full

package registry

// DefaultLogCapacity is the number of log lines retained per agent.
const DefaultLogCapacity = 50

// logRing is not safe for concurrent use; the registry lock guards it.
type logRing struct {
	lines []string
	start int
	count int
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &logRing{lines: make([]string, capacity)}
}

func (r *logRing) push(line string) {
	capacity := len(r.lines)
	if r.count < capacity {
		r.lines[(r.start+r.count)%capacity] = line
		r.count++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % capacity
}

// slice returns the retained lines oldest first.
func (r *logRing) slice() []string {
	out := make([]string, r.count)
	for i := range r.count {
		out[i] = r.lines[(r.start+i)%len(r.lines)]
	}
	return out
}
