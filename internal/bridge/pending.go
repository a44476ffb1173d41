package bridge

import (
	"time"

	"github.com/ashureev/walletlink/internal/relay"
)

type result struct {
	resp relay.Response
	err  error
}

// pendingRequest is a request awaiting its correlated response.
type pendingRequest struct {
	id      uint64
	method  string
	started time.Time
	done    chan result
}

func (p *pendingRequest) resolve(resp relay.Response) {
	select {
	case p.done <- result{resp: resp}:
	default:
	}
}

func (p *pendingRequest) fail(err error) {
	select {
	case p.done <- result{err: err}:
	default:
	}
}

// pendingSet tracks in-flight requests by correlation id. It is guarded by
// the owning client's mutex.
type pendingSet map[uint64]*pendingRequest

func (s pendingSet) add(id uint64, method string) *pendingRequest {
	p := &pendingRequest{id: id, method: method, started: time.Now(), done: make(chan result, 1)}
	s[id] = p
	return p
}

func (s pendingSet) take(id uint64) *pendingRequest {
	p, ok := s[id]
	if ok {
		delete(s, id)
	}
	return p
}

// drain removes and returns every pending request.
func (s pendingSet) drain() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(s))
	for id, p := range s {
		out = append(out, p)
		delete(s, id)
	}
	return out
}
