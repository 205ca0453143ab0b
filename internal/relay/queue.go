package relay

import "context"

// TriggerQueue hands admitted triggers to workers.
type TriggerQueue interface {
	TryEnqueue(trigger Trigger) bool
	Enqueue(ctx context.Context, trigger Trigger) bool
	Dequeue(ctx context.Context) (Trigger, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryTriggerQueue struct {
	ch chan Trigger
}

func NewInMemoryTriggerQueue(capacity int) TriggerQueue {
	if capacity <= 0 {
		capacity = defaultQueueSize
	}
	return &inMemoryTriggerQueue{
		ch: make(chan Trigger, capacity),
	}
}

func (q *inMemoryTriggerQueue) TryEnqueue(trigger Trigger) bool {
	if q == nil || trigger.TriggerID == "" {
		return false
	}
	select {
	case q.ch <- trigger:
		return true
	default:
		return false
	}
}

func (q *inMemoryTriggerQueue) Enqueue(ctx context.Context, trigger Trigger) bool {
	if q == nil || trigger.TriggerID == "" {
		return false
	}
	select {
	case q.ch <- trigger:
		return true
	case <-ctx.Done():
		return false
	}
}

// Dequeue reports false once ctx is done, even with triggers still buffered.
func (q *inMemoryTriggerQueue) Dequeue(ctx context.Context) (Trigger, bool) {
	if q == nil || ctx.Err() != nil {
		return Trigger{}, false
	}
	select {
	case trigger := <-q.ch:
		return trigger, true
	case <-ctx.Done():
		return Trigger{}, false
	}
}

func (q *inMemoryTriggerQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryTriggerQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryTriggerQueue) Close() error {
	return nil
}
