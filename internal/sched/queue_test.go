package sched

import (
	"testing"

	"trackgate/internal/carrier"
)

func qreq(id string, c carrier.ID, p Priority) *request {
	return &request{id: id, carrier: c, priority: p, ch: make(chan outcome, 1)}
}

func TestQueuePeekOrder(t *testing.T) {
	t.Parallel()
	q := newQueueState()
	q.pushBack(qreq("n1", carrier.UPS, Normal))
	q.pushBack(qreq("l1", carrier.UPS, Low))
	q.pushBack(qreq("h1", carrier.UPS, High))
	q.pushBack(qreq("n2", carrier.UPS, Normal))

	want := []string{"h1", "n1", "n2", "l1"}
	for _, id := range want {
		r := q.peek()
		if r == nil || r.id != id {
			t.Fatalf("peek = %v, want %s", r, id)
		}
		if got := q.pop(); got.id != id {
			t.Fatalf("pop = %s, want %s", got.id, id)
		}
	}
	if q.pop() != nil {
		t.Fatal("pop on empty queue != nil")
	}
}

func TestQueuePushFrontPreservesPosition(t *testing.T) {
	t.Parallel()
	q := newQueueState()
	q.pushBack(qreq("a", carrier.UPS, Normal))
	q.pushBack(qreq("b", carrier.UPS, Normal))

	r := q.pop()
	q.pushFront(r)
	if got := q.peek(); got.id != "a" {
		t.Fatalf("head = %s after pushFront, want a", got.id)
	}
}

func TestQueueRemoveCarrierKeepsOthersOrdered(t *testing.T) {
	t.Parallel()
	q := newQueueState()
	q.pushBack(qreq("u1", carrier.UPS, Normal))
	q.pushBack(qreq("f1", carrier.FedEx, Normal))
	q.pushBack(qreq("u2", carrier.UPS, Normal))
	q.pushBack(qreq("f2", carrier.FedEx, Normal))
	q.pushBack(qreq("u3", carrier.UPS, High))

	removed := q.removeCarrier(carrier.UPS)
	if len(removed) != 3 {
		t.Fatalf("removed %d, want 3", len(removed))
	}
	for _, id := range []string{"f1", "f2"} {
		if got := q.pop(); got.id != id {
			t.Fatalf("pop = %s, want %s", got.id, id)
		}
	}
}

func TestQueueCountersAndPeak(t *testing.T) {
	t.Parallel()
	q := newQueueState()
	a := qreq("a", carrier.UPS, Normal)
	b := qreq("b", carrier.UPS, Normal)
	q.pushBack(a)
	q.pushBack(b)

	if q.depthPeak != 2 {
		t.Fatalf("depthPeak = %d, want 2", q.depthPeak)
	}

	q.pop()
	q.markInflight(a)
	if q.global != 1 || q.perCarrier[carrier.UPS] != 1 {
		t.Fatalf("counters = global %d, ups %d; want 1/1", q.global, q.perCarrier[carrier.UPS])
	}
	if q.outstanding() != 2 {
		t.Fatalf("outstanding = %d, want 2 (one queued, one in flight)", q.outstanding())
	}

	q.unmarkInflight(a)
	if q.global != 0 || q.perCarrier[carrier.UPS] != 0 {
		t.Fatalf("counters not released: global %d, ups %d", q.global, q.perCarrier[carrier.UPS])
	}
	// Double release must not go negative.
	q.unmarkInflight(a)
	if q.global != 0 {
		t.Fatalf("global = %d after double release, want 0", q.global)
	}
}
