package forgiveness

import "sync"

// broadcaster wakes every goroutine parked on a confession when it changes.
type broadcaster struct {
	mu   sync.Mutex
	subs map[string]chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string]chan struct{})}
}

// subscribe returns a channel closed on the next notify for id.
func (b *broadcaster) subscribe(id string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[id]
	if !ok {
		ch = make(chan struct{})
		b.subs[id] = ch
	}
	return ch
}

func (b *broadcaster) notify(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if ch, ok := b.subs[id]; ok {
			close(ch)
			delete(b.subs, id)
		}
	}
}
