package eventlog

import "sync"

// MemorySink is an in-memory Sink, for tests and cmd/locmux's demo wiring
// when a filesystem database would be overkill.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Append implements Sink.
func (m *MemorySink) Append(events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Events returns a copy of everything appended so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
