package siegenia

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// response is the outcome delivered to a waiting caller.
type response struct {
	status string
	data   any
	err    error
}

// pendingRequest is an in-flight command awaiting its correlated reply.
type pendingRequest struct {
	id      int64
	command string
	created time.Time

	// done has capacity 1 so the resolver never blocks.
	done chan response
}

// resolve delivers r to the waiter. Only the first resolution is kept.
func (p *pendingRequest) resolve(r response) {
	select {
	case p.done <- r:
	default:
	}
}

// correlator matches replies to outstanding requests by id.
//
// Callers only insert and discard their own entries. The receive loop is
// the only goroutine that resolves entries with device responses.
type correlator struct {
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int64]*pendingRequest)}
}

// allocateID returns the next request id, starting at 1.
// The counter is never reset, so ids are unique across reconnects.
func (c *correlator) allocateID() int64 {
	return c.nextID.Add(1)
}

// register creates the completion slot for id.
func (c *correlator) register(id int64, command string) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}
	p := &pendingRequest{
		id:      id,
		command: command,
		created: time.Now(),
		done:    make(chan response, 1),
	}
	c.pending[id] = p
	return p, nil
}

// dispatch resolves the request whose id matches frame.
// It returns false when the frame is not a reply to a pending request.
func (c *correlator) dispatch(frame Document) bool {
	id, ok := frameID(frame)
	if !ok {
		return false
	}

	c.mu.Lock()
	p, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !found {
		return false
	}
	p.resolve(response{status: frame.String(keyStatus), data: frame[keyData]})
	return true
}

// discard drops a pending request without resolving it.
func (c *correlator) discard(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll resolves every outstanding request with err and returns how many
// were failed.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	abandoned := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for _, p := range abandoned {
		p.resolve(response{err: fmt.Errorf("%w: %s (id %d)", err, p.command, p.id)})
	}
	return len(abandoned)
}

// size returns the number of outstanding requests.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
