package directory

// unreadCounter is the only place unread counts live. Counts never go below zero.
type unreadCounter struct {
	counts map[string]int
}

func newUnreadCounter() unreadCounter {
	return unreadCounter{counts: make(map[string]int)}
}

func (u *unreadCounter) get(peerID string) int {
	return u.counts[peerID]
}

func (u *unreadCounter) increment(peerID string) int {
	u.counts[peerID]++
	return u.counts[peerID]
}

func (u *unreadCounter) reset(peerID string) bool {
	if u.counts[peerID] == 0 {
		return false
	}
	delete(u.counts, peerID)
	return true
}

func (u *unreadCounter) set(peerID string, n int) {
	if n <= 0 {
		delete(u.counts, peerID)
		return
	}
	u.counts[peerID] = n
}

func (u *unreadCounter) total() int {
	sum := 0
	for _, n := range u.counts {
		sum += n
	}
	return sum
}
