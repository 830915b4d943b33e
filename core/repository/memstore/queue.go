package memstore

import (
	"container/heap"
	"time"

	"transcode-orchestrator/core/models"
)

// queuedSignal wraps a signal with its position in the queue
type queuedSignal struct {
	signal models.Signal
	index  int // For heap.Interface
}

// availableAt is when the signal may next be claimed
func (q *queuedSignal) availableAt() time.Time {
	if q.signal.LockedUntil != nil && q.signal.LockedUntil.After(q.signal.DueAt) {
		return *q.signal.LockedUntil
	}
	return q.signal.DueAt
}

// signalQueue is a min-heap of signals ordered by when they become available
type signalQueue []*queuedSignal

func (sq signalQueue) Len() int { return len(sq) }

func (sq signalQueue) Less(i, j int) bool {
	ai, aj := sq[i].availableAt(), sq[j].availableAt()
	if ai.Equal(aj) {
		return sq[i].signal.CreatedAt.Before(sq[j].signal.CreatedAt)
	}
	return ai.Before(aj)
}

func (sq signalQueue) Swap(i, j int) {
	sq[i], sq[j] = sq[j], sq[i]
	sq[i].index = i
	sq[j].index = j
}

// Push implements heap.Interface
func (sq *signalQueue) Push(x interface{}) {
	item := x.(*queuedSignal)
	item.index = len(*sq)
	*sq = append(*sq, item)
}

// Pop implements heap.Interface
func (sq *signalQueue) Pop() interface{} {
	old := *sq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*sq = old[0 : n-1]
	return item
}

// peek returns the signal that becomes available first without removing it
func (sq signalQueue) peek() *queuedSignal {
	if len(sq) == 0 {
		return nil
	}
	return sq[0]
}

var _ heap.Interface = (*signalQueue)(nil)
