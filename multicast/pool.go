package multicast

// Structs

// BufferPool is the per-subgroup free list of message
// buffers. The pool invariant is |free| + |in flight| =
// window size times shard size; a buffer is in flight
// whenever it is owned by a send, a receive, or one of the
// stability queues. The pool itself is not locked: callers
// hold the group's message-state mutex.
type BufferPool struct {
	maxMsgSize int
	free       []MessageBuffer
}

// Functions

// NewBufferPool allocates count buffers of the given size.
func NewBufferPool(count, maxMsgSize int) *BufferPool {

	p := &BufferPool{maxMsgSize: maxMsgSize}
	p.Grow(count)
	return p
}

// Get removes and returns one free buffer, or reports false
// when the free list is empty.
func (p *BufferPool) Get() (MessageBuffer, bool) {

	if len(p.free) == 0 {
		return MessageBuffer{}, false
	}

	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return b, true
}

// Put returns a buffer to the free list.
func (p *BufferPool) Put(b MessageBuffer) {
	p.free = append(p.free, b)
}

// Len returns the number of free buffers.
func (p *BufferPool) Len() int {
	return len(p.free)
}

// Grow allocates buffers until the free list holds at least
// target entries. Used when a view transition enlarges the
// window.
func (p *BufferPool) Grow(target int) {

	for len(p.free) < target {
		p.free = append(p.free, NewMessageBuffer(p.maxMsgSize))
	}
}
