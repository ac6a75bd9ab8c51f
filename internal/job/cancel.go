package job

import "sync"

// Signal is a per-job cancellation flag. Done is closed when the flag is
// raised, so stages can either poll Cancelled or block on Done.
type Signal struct {
	once sync.Once
	done chan struct{}
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Cancel raises the flag. Safe to call more than once.
func (s *Signal) Cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *Signal) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Signal) Done() <-chan struct{} {
	return s.done
}
