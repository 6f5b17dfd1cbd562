package channel

import "sync"

// Fanout keeps the latest reading of a channel and delivers every
// published reading to all subscribers in publish order.
type Fanout struct {
	notifyMu sync.Mutex

	mu        sync.Mutex
	subs      map[SubscriptionID]Callback
	next      SubscriptionID
	latest    Reading
	hasLatest bool
}

func (f *Fanout) Subscribe(cb Callback) SubscriptionID {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[SubscriptionID]Callback)
	}
	f.next++
	id := f.next
	f.subs[id] = cb
	latest, has := f.latest, f.hasLatest
	f.mu.Unlock()

	if has {
		cb(latest)
	}
	return id
}

// Unsubscribe may be called from inside a callback.
func (f *Fanout) Unsubscribe(id SubscriptionID) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

func (f *Fanout) Publish(r Reading) {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	f.latest = r
	f.hasLatest = true
	cbs := make([]Callback, 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(r)
	}
}

func (f *Fanout) Latest() (Reading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.hasLatest
}

func (f *Fanout) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Reset forgets the latest reading. Subscribers are kept.
func (f *Fanout) Reset() {
	f.mu.Lock()
	f.hasLatest = false
	f.latest = Reading{}
	f.mu.Unlock()
}
