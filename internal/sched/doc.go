// Package sched is the request scheduling core: a three-bucket priority
// queue feeding per-carrier rate-limited, concurrency-capped dispatch with
// retry/backoff and an authentication circuit breaker.
//
// Ordering contract:
//   - across buckets: strict priority (high before normal before low) at
//     every dequeue decision;
//   - within a bucket: strict FIFO.
//
// A sustained stream of high-priority work can starve lower buckets; that is
// the documented trade-off, not a bug.
//
// All queue state is owned by a single loop goroutine; everything else talks
// to it through a mailbox of commands.
package sched
