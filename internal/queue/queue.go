// Package queue holds the in-memory transition queue and the service that
// feeds it from observed status changes.
package queue

import (
	"sync"
	"time"

	"github.com/alphagov-mirror/pay-connector/internal/event"
)

// Item is a queued emission with its delivery bookkeeping. Seq is assigned on
// first offer and kept across retries so per-resource order can be restored.
type Item struct {
	Emission  event.Emission
	Seq       uint64
	Attempts  int
	NotBefore time.Time
	LastError string
}

// ResourceKey identifies the resource whose events must stay ordered.
func (i Item) ResourceKey() string {
	t := i.Emission.Transition
	return string(t.ResourceType) + ":" + t.ResourceExternalID
}

// TransitionQueue is an unbounded FIFO. Offer and Poll never block.
type TransitionQueue struct {
	mu      sync.Mutex
	items   []Item
	nextSeq uint64
}

func NewTransitionQueue() *TransitionQueue {
	return &TransitionQueue{}
}

// Offer appends a new emission and returns the queued item.
func (q *TransitionQueue) Offer(em event.Emission) Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	item := Item{Emission: em, Seq: q.nextSeq}
	q.items = append(q.items, item)
	return item
}

// Restore puts polled items back at the head of the queue, ahead of anything
// offered since they were polled. Items keep their sequence numbers, so a
// resource's pending items stay in the order they were first offered.
func (q *TransitionQueue) Restore(items []Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	restored := make([]Item, 0, len(items)+len(q.items))
	restored = append(restored, items...)
	q.items = append(restored, q.items...)
}

// Poll removes and returns the head of the queue.
func (q *TransitionQueue) Poll() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

func (q *TransitionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
