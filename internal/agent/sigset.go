package agent

import "sync"

// SigSet is the set of transaction signatures this agent knows to be
// game settlements: payments it made as loser and payments it collected
// as winner. The donation watcher reads it to tell gifts from stakes.
type SigSet struct {
	mu   sync.Mutex
	sigs map[string]struct{}
}

func NewSigSet() *SigSet {
	return &SigSet{sigs: make(map[string]struct{})}
}

// Add records a signature and reports whether it was new.
func (s *SigSet) Add(sig string) bool {
	if sig == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sigs[sig]; ok {
		return false
	}
	s.sigs[sig] = struct{}{}
	return true
}

func (s *SigSet) Has(sig string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sigs[sig]
	return ok
}

func (s *SigSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sigs)
}
