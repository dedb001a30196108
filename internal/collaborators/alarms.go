package collaborators

import (
	"sync"
	"time"

	"github.com/Resinat/Resin/internal/request"
)

// FakeAlarms is an in-memory AlarmHelper backed by time.AfterFunc. Real
// platform alarm services batch and defer delivery under doze/power-save;
// this fake fires exactly at the requested delay, which is adequate for
// tests and cmd/locmux.
type FakeAlarms struct {
	mu     sync.Mutex
	next   AlarmToken
	timers map[AlarmToken]*time.Timer
}

func NewFakeAlarms() *FakeAlarms {
	return &FakeAlarms{timers: make(map[AlarmToken]*time.Timer)}
}

func (a *FakeAlarms) Schedule(delayMs int64, _ request.WorkSource, fn func()) AlarmToken {
	a.mu.Lock()
	a.next++
	token := a.next
	a.mu.Unlock()

	timer := time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		a.mu.Lock()
		_, stillPending := a.timers[token]
		delete(a.timers, token)
		a.mu.Unlock()
		if stillPending {
			fn()
		}
	})

	a.mu.Lock()
	a.timers[token] = timer
	a.mu.Unlock()
	return token
}

func (a *FakeAlarms) Cancel(token AlarmToken) {
	a.mu.Lock()
	timer, ok := a.timers[token]
	delete(a.timers, token)
	a.mu.Unlock()
	if ok {
		timer.Stop()
	}
}
