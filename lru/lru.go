// Package lru implements the bare doubly linked list used by the memory
// tier to keep O(1) insert, move-to-front, remove and pop-tail; the
// key-to-node map that gives O(1) lookup is kept by the caller. It carries
// no eviction policy and no locking: callers serialize access themselves.
package lru

// Node is one entry of the list. The zero Node is only used for the fake
// head/tail sentinels; real nodes are always created through List.PushFront.
type Node struct {
	Key         string
	Value       interface{}
	Cost        int64
	AccessNanos int64

	list       *List
	prev, next *Node
}

// List is a doubly linked list with fake head/tail sentinels, so that
// pushFront/moveToFront/remove/popBack never need a nil check.
//
// Invariants (see spec.md §3 invariant 1,2):
//   - fakeHead.next is the most-recently-used real node, fakeTail.prev the
//     least-recently-used.
//   - every node reachable from fakeHead has list == the owning List.
type List struct {
	fakeHead, fakeTail *Node
	len                int
}

// New returns an empty list, ready to use.
func New() *List {
	l := &List{fakeHead: &Node{}, fakeTail: &Node{}}
	link(l.fakeHead, l.fakeTail)
	return l
}

func link(a, b *Node) { a.next, b.prev = b, a }

// Len returns the number of real nodes.
func (l *List) Len() int { return l.len }

// Front returns the most-recently-used node, or nil if the list is empty.
func (l *List) Front() *Node {
	if l.fakeHead.next == l.fakeTail {
		return nil
	}
	return l.fakeHead.next
}

// Back returns the least-recently-used node, or nil if the list is empty.
func (l *List) Back() *Node {
	if l.fakeTail.prev == l.fakeHead {
		return nil
	}
	return l.fakeTail.prev
}

// PushFront inserts a new node at the front of the list and returns it.
func (l *List) PushFront(key string, value interface{}, cost int64, accessNanos int64) *Node {
	n := &Node{Key: key, Value: value, Cost: cost, AccessNanos: accessNanos, list: l}
	link(n, l.fakeHead.next)
	link(l.fakeHead, n)
	l.len++
	l.checkInvariants()
	return n
}

// MoveToFront detaches n and re-attaches it right after the fake head.
func (l *List) MoveToFront(n *Node) {
	if l.fakeHead.next == n {
		return
	}
	link(n.prev, n.next)
	link(n, l.fakeHead.next)
	link(l.fakeHead, n)
	l.checkInvariants()
}

// Remove detaches n from the list. n must belong to l.
func (l *List) Remove(n *Node) {
	link(n.prev, n.next)
	n.prev, n.next, n.list = nil, nil, nil
	l.len--
	l.checkInvariants()
}

// PopBack removes and returns the least-recently-used node, or nil if empty.
func (l *List) PopBack() *Node {
	n := l.Back()
	if n == nil {
		return nil
	}
	l.Remove(n)
	return n
}

// Do calls fn for every node from front to back. fn must not mutate the
// list.
func (l *List) Do(fn func(*Node)) {
	for n := l.fakeHead.next; n != l.fakeTail; n = n.next {
		fn(n)
	}
}
