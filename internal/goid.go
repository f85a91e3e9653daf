package internal

import (
	"runtime"
	"strconv"
	"sync"
)

// goroutineID returns the numeric id Go's runtime assigns to the calling
// goroutine. The runtime deliberately doesn't expose this, so it's
// recovered by parsing the leading "goroutine N " of a stack trace, the
// same technique real-world goroutine-local-storage packages use (e.g.
// petermattis/goid's fallback path).
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	// "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if len(b) < len(prefix) || string(b[:len(prefix)]) != prefix {
		panic("internal: unexpected stack trace header: " + string(b))
	}
	b = b[len(prefix):]

	i := 0
	for i < len(b) && b[i] != ' ' {
		i++
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		panic("internal: could not parse goroutine id: " + err.Error())
	}
	return id
}

// LocalSlots implements goroutine-local storage: a value stashed with Set
// from one goroutine is only visible to Get calls made by that same
// goroutine. Used to give the current Fiber and its Scheduler a
// goroutine-scoped home without threading them through every call.
type LocalSlots[T any] struct {
	mu sync.Mutex
	m  map[int64]T
}

func NewLocalSlots[T any]() *LocalSlots[T] {
	return &LocalSlots[T]{m: make(map[int64]T)}
}

func (s *LocalSlots[T]) Get() (T, bool) {
	gid := goroutineID()
	s.mu.Lock()
	v, ok := s.m[gid]
	s.mu.Unlock()
	return v, ok
}

func (s *LocalSlots[T]) Set(v T) {
	gid := goroutineID()
	s.mu.Lock()
	s.m[gid] = v
	s.mu.Unlock()
}

// Clear drops the calling goroutine's slot, if any.
func (s *LocalSlots[T]) Clear() {
	gid := goroutineID()
	s.mu.Lock()
	delete(s.m, gid)
	s.mu.Unlock()
}
