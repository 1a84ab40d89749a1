package service

import "sync"

const subscriberBufferSize = 16

// broker fans values out to in-process subscribers keyed by K. Slow
// subscribers drop values rather than block publishers.
type broker[K comparable, T any] struct {
	mu          sync.RWMutex
	subscribers map[K]map[chan T]struct{}
}

func newBroker[K comparable, T any]() *broker[K, T] {
	return &broker[K, T]{subscribers: make(map[K]map[chan T]struct{})}
}

func (b *broker[K, T]) subscribe(key K) chan T {
	ch := make(chan T, subscriberBufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[key]; !exists {
		b.subscribers[key] = make(map[chan T]struct{})
	}
	b.subscribers[key][ch] = struct{}{}
	return ch
}

func (b *broker[K, T]) unsubscribe(key K, ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[key]; ok {
		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, key)
		}
	}
}

func (b *broker[K, T]) broadcast(key K, value T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for ch := range b.subscribers[key] {
		select {
		case ch <- value:
			delivered++
		default:
		}
	}
	return delivered
}
