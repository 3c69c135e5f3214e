package userstream

import (
	"sync"

	"exlink/pkg/core"
)

// sequencer remembers the last server sequence per channel across
// connections, so a jump that spans a reconnect is still reported.
type sequencer struct {
	mu   sync.Mutex
	last map[string]int64
}

func newSequencer() *sequencer {
	return &sequencer{last: make(map[string]int64)}
}

// observe records seq for channel and returns the gap in front of it, if any.
// A sequence at or below the last one restarts tracking from seq.
func (s *sequencer) observe(channel string, seq int64) *core.Gap {
	if seq <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.last[channel]
	s.last[channel] = seq
	if !seen || seq <= last || seq == last+1 {
		return nil
	}
	return &core.Gap{Reason: core.GapSequence, After: last, Next: seq}
}
