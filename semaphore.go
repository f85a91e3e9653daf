package fiberio

// Semaphore is a counting semaphore, used to build Thread's synchronous
// start handshake. It's backed by a buffered channel: Notify fills one
// slot, Wait drains one, and a full buffer blocks Notify rather than
// overflowing.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	// Capacity bounds how far Notify can get ahead of Wait; the handshake
	// this backs only ever posts once per Thread, so a small fixed ceiling
	// well above that is plenty and keeps Notify from blocking in practice.
	const capacity = 64
	s := &Semaphore{slots: make(chan struct{}, capacity)}
	for i := 0; i < initial; i++ {
		s.slots <- struct{}{}
	}
	return s
}

// Wait blocks until a count is available, then consumes it.
func (s *Semaphore) Wait() {
	<-s.slots
}

// Notify makes one count available, waking at most one blocked Wait.
func (s *Semaphore) Notify() {
	s.slots <- struct{}{}
}
