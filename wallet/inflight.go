package wallet

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/sets/hashset"
)

/*

Constraints:

- a key is held by at most one caller at a time
- Release is only called by the holder

*/

type InFlight struct {
	keys *hashset.Set
	// closed and replaced whenever a key is released
	released chan struct{}
	lock     sync.Mutex
}

func NewInFlight() *InFlight {
	return &InFlight{
		keys:     hashset.New(),
		released: make(chan struct{}),
	}
}

// returns true on success, does nothing and returns false if the key was already in-flight
func (infl *InFlight) TryAcquire(key string) bool {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	if infl.keys.Contains(key) {
		return false
	}
	infl.keys.Add(key)
	return true
}

// Acquire blocks until the key is free and takes it, or until ctx is done.
func (infl *InFlight) Acquire(ctx context.Context, key string) error {
	for {
		infl.lock.Lock()
		if !infl.keys.Contains(key) {
			infl.keys.Add(key)
			infl.lock.Unlock()
			return nil
		}
		wait := infl.released
		infl.lock.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (infl *InFlight) Release(key string) {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	if !infl.keys.Contains(key) {
		// if you reached here you're using the API wrong
		return
	}
	infl.keys.Remove(key)
	close(infl.released)
	infl.released = make(chan struct{})
}

func (infl *InFlight) Len() int {
	infl.lock.Lock()
	defer infl.lock.Unlock()
	return infl.keys.Size()
}
