package queue

// compactThreshold is the number of consumed head slots after which the
// backing array is compacted.
const compactThreshold = 64

// buffer is an insertion-ordered FIFO of pending messages.
// It grows only at the tail and shrinks only at the head. Not safe for
// concurrent use; the owning PublishChannel guards it.
type buffer struct {
	items []PendingMessage
	head  int
}

func (b *buffer) len() int {
	return len(b.items) - b.head
}

func (b *buffer) push(m PendingMessage) {
	b.items = append(b.items, m)
}

func (b *buffer) peek() (PendingMessage, bool) {
	if b.len() == 0 {
		return PendingMessage{}, false
	}
	return b.items[b.head], true
}

// pop removes the head. It is a no-op on an empty buffer.
func (b *buffer) pop() {
	if b.len() == 0 {
		return
	}
	b.items[b.head] = PendingMessage{}
	b.head++

	switch {
	case b.head == len(b.items):
		b.items = b.items[:0]
		b.head = 0
	case b.head >= compactThreshold && b.head*2 >= len(b.items):
		n := copy(b.items, b.items[b.head:])
		clear(b.items[n:])
		b.items = b.items[:n]
		b.head = 0
	}
}

// snapshot returns a copy of the buffered messages, head first.
func (b *buffer) snapshot() []PendingMessage {
	out := make([]PendingMessage, b.len())
	copy(out, b.items[b.head:])
	return out
}

func (b *buffer) reset() {
	clear(b.items)
	b.items = b.items[:0]
	b.head = 0
}
