package bus

import "container/heap"

// msgQueue orders pending messages priority-first, FIFO within the same
// priority. The sequence number breaks ties so equal-priority messages leave
// in arrival order.
type msgQueue struct {
	items []queued
	seq   uint64
}

type queued struct {
	msg Message
	seq uint64
}

func (q *msgQueue) Len() int { return len(q.items) }

func (q *msgQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority > b.msg.Priority
	}
	return a.seq < b.seq
}

func (q *msgQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *msgQueue) Push(x any) { q.items = append(q.items, x.(queued)) }

func (q *msgQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

func (q *msgQueue) push(m Message) {
	heap.Push(q, queued{msg: m, seq: q.seq})
	q.seq++
}

func (q *msgQueue) pop() Message {
	return heap.Pop(q).(queued).msg
}

// evictBelow removes the oldest entry with the lowest priority, provided that
// priority does not exceed incoming. It reports whether room was made.
func (q *msgQueue) evictBelow(incoming Priority) bool {
	if len(q.items) == 0 {
		return false
	}
	victim := 0
	for i := 1; i < len(q.items); i++ {
		v, c := q.items[victim], q.items[i]
		if c.msg.Priority < v.msg.Priority ||
			(c.msg.Priority == v.msg.Priority && c.seq < v.seq) {
			victim = i
		}
	}
	if q.items[victim].msg.Priority > incoming {
		return false
	}
	heap.Remove(q, victim)
	return true
}
