package sched

import "trackgate/internal/carrier"

// queueState owns the three priority buckets, the in-flight map, and the
// concurrency counters. It is touched only by the scheduler loop goroutine,
// so it carries no locks.
//
// Invariant: every outstanding request is in exactly one place: one bucket,
// the in-flight map, or the parked set (timer pending). The counters below
// never exceed their caps.
type queueState struct {
	buckets  [numPriorities][]*request
	inflight map[string]*request

	perCarrier map[carrier.ID]int
	global     int

	// parked holds requests waiting on a retry/backoff timer, keyed by id.
	// They still count as outstanding work for idle detection, and shutdown
	// settles them without waiting for their timers.
	parked map[string]*request

	depthPeak int
}

func newQueueState() *queueState {
	return &queueState{
		inflight:   make(map[string]*request),
		perCarrier: make(map[carrier.ID]int),
		parked:     make(map[string]*request),
	}
}

func (q *queueState) depth() int {
	n := 0
	for i := range q.buckets {
		n += len(q.buckets[i])
	}
	return n
}

func (q *queueState) outstanding() int {
	return q.depth() + len(q.inflight) + len(q.parked)
}

func (q *queueState) park(r *request) {
	q.parked[r.id] = r
}

// unpark reports false when the request is no longer parked, meaning the
// shutdown path already settled it.
func (q *queueState) unpark(r *request) bool {
	if _, ok := q.parked[r.id]; !ok {
		return false
	}
	delete(q.parked, r.id)
	return true
}

func (q *queueState) pushBack(r *request) {
	q.buckets[r.priority] = append(q.buckets[r.priority], r)
	q.notePeak()
}

// pushFront restores a request to the head of its bucket, preserving its
// position after a concurrency/rate-limit deferral or scheduling a retry
// ahead of newer work.
func (q *queueState) pushFront(r *request) {
	b := q.buckets[r.priority]
	q.buckets[r.priority] = append([]*request{r}, b...)
	q.notePeak()
}

// peek returns the head of the highest-priority non-empty bucket.
func (q *queueState) peek() *request {
	for i := range q.buckets {
		if len(q.buckets[i]) > 0 {
			return q.buckets[i][0]
		}
	}
	return nil
}

// pop removes and returns the head of the highest-priority non-empty bucket.
func (q *queueState) pop() *request {
	for i := range q.buckets {
		if b := q.buckets[i]; len(b) > 0 {
			r := b[0]
			q.buckets[i] = b[1:]
			return r
		}
	}
	return nil
}

// removeCarrier extracts every queued request for one carrier, preserving
// the order of everything else. Used when draining a service whose
// credentials are known bad.
func (q *queueState) removeCarrier(id carrier.ID) []*request {
	var out []*request
	for i := range q.buckets {
		kept := q.buckets[i][:0]
		for _, r := range q.buckets[i] {
			if r.carrier == id {
				out = append(out, r)
			} else {
				kept = append(kept, r)
			}
		}
		q.buckets[i] = kept
	}
	return out
}

// removeAll drains every bucket.
func (q *queueState) removeAll() []*request {
	var out []*request
	for i := range q.buckets {
		out = append(out, q.buckets[i]...)
		q.buckets[i] = nil
	}
	return out
}

func (q *queueState) markInflight(r *request) {
	q.inflight[r.id] = r
	q.perCarrier[r.carrier]++
	q.global++
}

func (q *queueState) unmarkInflight(r *request) {
	delete(q.inflight, r.id)
	if q.perCarrier[r.carrier] > 0 {
		q.perCarrier[r.carrier]--
	}
	if q.global > 0 {
		q.global--
	}
}

func (q *queueState) notePeak() {
	if d := q.depth(); d > q.depthPeak {
		q.depthPeak = d
	}
}
