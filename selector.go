package tcptunnel

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
)

// BackendSelector picks backend addresses in round-robin order. It is safe
// for concurrent use: every call to Next consumes exactly one position in
// the rotation, so no two calls see the same counter value.
//
// Selection is blind to backend health. A backend that is down keeps its
// turn in the rotation and every tunnel assigned to it fails.
type BackendSelector struct {
	addrs []string
	next  atomic.Uint64
}

// NewBackendSelector creates a selector over the given addresses, which
// must be a non-empty list of "host:port" values. The list is copied.
func NewBackendSelector(addrs []string) (*BackendSelector, error) {
	if len(addrs) == 0 {
		return nil, errors.New("at least one backend address is required")
	}
	for _, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid backend address %q: %w", addr, err)
		}
	}
	return &BackendSelector{addrs: append([]string(nil), addrs...)}, nil
}

// Next returns the next backend address in the rotation.
func (s *BackendSelector) Next() string {
	c := s.next.Add(1) - 1
	return s.addrs[c%uint64(len(s.addrs))]
}

// Count returns the number of selections made so far.
func (s *BackendSelector) Count() uint64 {
	return s.next.Load()
}

// Backends returns a copy of the backend addresses, in rotation order.
func (s *BackendSelector) Backends() []string {
	return append([]string(nil), s.addrs...)
}
