package lru

import "github.com/ibireme/go-yycache/internal/tag"

// checkInvariants walks the list and panics if the sentinel/len bookkeeping
// has drifted. Compiled away unless built with -tags debug; see
// internal/tag.
func (l *List) checkInvariants() {
	if !tag.Debug {
		return
	}
	n := 0
	for cur := l.fakeHead.next; cur != l.fakeTail; cur = cur.next {
		if cur.prev.next != cur {
			panic("lru: broken prev/next link")
		}
		if cur.list != l {
			panic("lru: node escaped its owning list")
		}
		n++
	}
	if n != l.len {
		panic("lru: len out of sync with node count")
	}
}
