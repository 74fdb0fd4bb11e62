package thread

import "sync"

// correlator matches asynchronous wire requests to their eventual
// responses for request types whose responses carry no token: the i-th
// response settles the i-th outstanding request.
type correlator[T any] struct {
	mu      sync.Mutex
	pending []*Future[T]
}

// add appends a future for a request just sent.
func (c *correlator[T]) add(f *Future[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, f)
}

// resolveNext settles the oldest outstanding future with value. It
// reports false when nothing was outstanding.
func (c *correlator[T]) resolveNext(value T) bool {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	f.resolve(value)
	return true
}

// rejectAll settles every outstanding future with err.
func (c *correlator[T]) rejectAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, f := range pending {
		f.reject(err)
	}
}

// outstanding reports the number of unanswered requests.
func (c *correlator[T]) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}
