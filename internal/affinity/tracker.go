package affinity

import "sync"

// RequestKind splits requests into reads and writes for routing.
type RequestKind int

const (
	Read RequestKind = iota
	Write
)

// Tracker applies a Policy to the requests of one connection. Requests on a
// connection may be pipelined, so Route is safe for concurrent use.
type Tracker struct {
	policy Policy

	mu sync.Mutex
	// pinned is the backend every constrained request goes to once set.
	pinned string
	// lastWrite and readPending drive FirstReadRequestAfterWriteRequest.
	lastWrite   string
	readPending bool
}

// NewTracker creates a tracker for a new connection.
func NewTracker(policy Policy) *Tracker {
	return &Tracker{policy: policy}
}

// Policy returns the policy the tracker enforces.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Route returns the backend for the next request. choose is called when
// the policy leaves the request unconstrained.
func (t *Tracker) Route(kind RequestKind, choose func() string) string {
	if !t.policy.IsActive() {
		return choose()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.policy {
	case FirstReadRequestAfterWriteRequest:
		if kind == Write {
			t.lastWrite = choose()
			t.readPending = true
			return t.lastWrite
		}
		if t.readPending {
			t.readPending = false
			return t.lastWrite
		}
		return choose()

	case AllWriteRequestsAfterFirstWriteRequest:
		if kind == Read {
			return choose()
		}
		if t.pinned == "" {
			t.pinned = choose()
		}
		return t.pinned

	case AllRequestsAfterFirstWriteRequest:
		if t.pinned != "" {
			return t.pinned
		}
		backend := choose()
		if kind == Write {
			t.pinned = backend
		}
		return backend

	case AllRequestsAfterFirstRequest:
		if t.pinned == "" {
			t.pinned = choose()
		}
		return t.pinned
	}

	return choose()
}

// Pinned returns the backend the connection is pinned to, if any.
func (t *Tracker) Pinned() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pinned, t.pinned != ""
}
