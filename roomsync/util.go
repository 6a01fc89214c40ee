package roomsync

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so that iteration never holds the lock
type callbackList[T any] struct {
	stateLock  sync.Mutex
	nextHandle int
	callbacks  map[int]T
	ordered    []T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
		ordered:   []T{},
	}
}

func (self *callbackList[T]) get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ordered
}

// returns the unsub function
func (self *callbackList[T]) add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	handle := self.nextHandle
	self.nextHandle += 1
	self.callbacks[handle] = callback
	self.update()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.callbacks, handle)
		self.update()
	}
}

func (self *callbackList[T]) update() {
	handles := maps.Keys(self.callbacks)
	slices.Sort(handles)
	ordered := make([]T, 0, len(handles))
	for _, handle := range handles {
		ordered = append(ordered, self.callbacks[handle])
	}
	self.ordered = ordered
}
