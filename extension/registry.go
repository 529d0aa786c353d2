package extension

import (
	"sync"

	imap "github.com/mailkit/imapcore"
)

// Set is the usable-extension state of one connection. It is rebuilt
// from each CAPABILITY response and consulted by the engine before
// issuing any extension-dependent command.
type Set struct {
	mu      sync.Mutex
	enabled [numFeatures]bool
}

// Negotiate derives the usable set from a server capability list,
// resolving feature dependencies: a feature whose dependency is not
// itself usable stays off even when advertised.
func Negotiate(caps []imap.Cap) *Set {
	s := &Set{}
	advertised := make(map[imap.Cap]bool, len(caps))
	for _, c := range caps {
		advertised[c] = true
	}

	// Dependencies only ever point at features with no dependencies of
	// their own, so two passes settle the set.
	for pass := 0; pass < 2; pass++ {
		for f := Feature(0); f < numFeatures; f++ {
			if !advertised[f.Cap()] {
				continue
			}
			ok := true
			for _, dep := range f.deps() {
				if !s.enabled[dep] {
					ok = false
					break
				}
			}
			s.enabled[f] = ok
		}
	}
	return s
}

// Has reports whether f may be used on this connection.
func (s *Set) Has(f Feature) bool {
	if s == nil || f < 0 || f >= numFeatures {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[f]
}

// Disable switches f off for the rest of the connection, together with
// every feature that depends on it.
func (s *Set) Disable(f Feature) {
	if s == nil || f < 0 || f >= numFeatures {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[f] = false
	for g := Feature(0); g < numFeatures; g++ {
		for _, dep := range g.deps() {
			if dep == f {
				s.enabled[g] = false
			}
		}
	}
}

// Usable returns the enabled features, in declaration order.
func (s *Set) Usable() []Feature {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Feature
	for f := Feature(0); f < numFeatures; f++ {
		if s.enabled[f] {
			out = append(out, f)
		}
	}
	return out
}
