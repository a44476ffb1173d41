package wallet

import "sync"

type subscriber struct {
	id uint64
	fn func(Event)
}

// registry delivers events to subscribers in the order they were queued.
// Events queued while a delivery is running are delivered by the goroutine
// already delivering, so a subscriber may call back into the Manager.
type registry struct {
	mu       sync.Mutex
	nextID   uint64
	subs     []subscriber
	queue    []Event
	draining bool
}

func (r *registry) add(fn func(Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *registry) enqueue(ev Event) {
	r.mu.Lock()
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
}

func (r *registry) flush() {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for len(r.queue) > 0 {
		ev := r.queue[0]
		r.queue = r.queue[1:]
		subs := r.subs
		r.mu.Unlock()

		for _, s := range subs {
			s.fn(ev)
		}

		r.mu.Lock()
	}
	r.draining = false
	r.queue = nil
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
