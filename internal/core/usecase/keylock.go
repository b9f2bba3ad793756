package usecase

import "sync"

// keyedMutex hands out one mutex per key and forgets it once nobody holds or
// waits for it, so unrelated users never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// serialQueue runs work for the same key in submission order.
type serialQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newSerialQueue() *serialQueue {
	return &serialQueue{tails: make(map[string]chan struct{})}
}

// Go schedules fn after every earlier fn submitted for key has finished.
// Submission order is fixed when Go returns.
func (q *serialQueue) Go(key string, fn func()) {
	q.mu.Lock()
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		defer func() {
			q.mu.Lock()
			if q.tails[key] == done {
				delete(q.tails, key)
			}
			q.mu.Unlock()
			close(done)
		}()
		fn()
	}()
}

func corpusKey(userID, documentID string) string {
	return userID + "\x00" + documentID
}
