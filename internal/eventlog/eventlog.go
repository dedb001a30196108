// Package eventlog implements collaborators.EventLog: an async,
// batch-flushed writer of timestamped lifecycle events (register/
// unregister, request changes, receive, deliver, enable transitions,
// mock on/off), grounded on internal/requestlog.Service's queue-plus-
// ticker flush loop. The LogX methods are non-blocking; on queue overflow an
// event is dropped rather than stalling the multiplexer's lock-held path.
package eventlog

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Resinat/Resin/internal/collaborators"
	"github.com/Resinat/Resin/internal/request"
)

// Event is one timestamped record. Fields beyond Kind/TsNs are a loosely
// typed grab-bag (Fields) rather than one wide struct per kind, since the
// event shapes genuinely differ and a sum type would cost more than it
// buys here. EntryID is a UUID minted at emit time, so a consumer
// tailing the sink can dedupe a batch that got retried after a partial
// write without needing the sink's own autoincrement id.
type Event struct {
	EntryID string
	TsNs    int64
	Kind    string
	Fields  map[string]interface{}
}

// Sink persists a batch of events. Implementations must not block
// indefinitely; Service already bounds batch size and flush interval.
type Sink interface {
	Append(events []Event) error
}

// Service is the async event log writer the multiplexer depends on via
// collaborators.EventLog.
type Service struct {
	sink      Sink
	queue     chan Event
	batchSize int
	interval  time.Duration
	flushReq  chan chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	nowNs func() int64
}

// Config configures the event log service.
type Config struct {
	Sink          Sink
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration

	// NowNs returns the current time in unix nanoseconds; defaults to
	// time.Now().UnixNano(). Overridable for deterministic tests.
	NowNs func() int64
}

// NewService builds a Service with conservative defaults (8192-deep
// queue, 4096-entry batches, 5-minute ticker) unless overridden.
func NewService(cfg Config) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 8192
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 4096
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	nowNs := cfg.NowNs
	if nowNs == nil {
		nowNs = func() int64 { return time.Now().UnixNano() }
	}
	return &Service{
		sink:      cfg.Sink,
		queue:     make(chan Event, queueSize),
		batchSize: batchSize,
		interval:  interval,
		flushReq:  make(chan chan struct{}, 64),
		stopCh:    make(chan struct{}),
		nowNs:     nowNs,
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to drain remaining entries and stop.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// FlushNow blocks until a flush attempt covering all currently queued
// entries has completed; useful for tests.
func (s *Service) FlushNow() {
	done := make(chan struct{})
	select {
	case s.flushReq <- done:
	case <-s.stopCh:
		return
	}
	select {
	case <-done:
	case <-s.stopCh:
	}
}

func (s *Service) emit(kind string, fields map[string]interface{}) {
	select {
	case s.queue <- Event{EntryID: uuid.NewString(), TsNs: s.nowNs(), Kind: kind, Fields: fields}:
	default:
		// Queue full: drop rather than block the multiplexer's lock-held path.
	}
}

func (s *Service) flushLoop() {
	defer s.wg.Done()
	batch := make([]Event, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case done := <-s.flushReq:
			batch = s.flushOnBarrier(batch, done)
		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) flushOnBarrier(batch []Event, firstWaiter chan struct{}) []Event {
	waiters := []chan struct{}{firstWaiter}
collect:
	for {
		select {
		case done := <-s.flushReq:
			waiters = append(waiters, done)
		default:
			break collect
		}
	}

	pending := len(s.queue)
drain:
	for i := 0; i < pending; i++ {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			break drain
		}
	}
	if len(batch) > 0 {
		s.flush(batch)
		batch = batch[:0]
	}
	for _, done := range waiters {
		close(done)
	}
	return batch
}

func (s *Service) drainAndFlush(batch []Event) {
	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(batch []Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Append(batch); err != nil {
		log.Printf("[eventlog] flush %d events failed: %v", len(batch), err)
	}
}

// --- collaborators.EventLog implementation ---

var _ collaborators.EventLog = (*Service)(nil)

func (s *Service) LogRegister(clientKey interface{}, identity collaborators.Identity, kind string) {
	s.emit("register", map[string]interface{}{"clientKey": clientKey, "packageName": identity.PackageName, "kind": kind})
}

func (s *Service) LogUnregister(clientKey interface{}, reason string) {
	s.emit("unregister", map[string]interface{}{"clientKey": clientKey, "reason": reason})
}

func (s *Service) LogRequestChange(providerName string, req request.ProviderRequest) {
	s.emit("requestChange", map[string]interface{}{
		"provider":                providerName,
		"intervalMs":              req.IntervalMs,
		"numWorkSourceEntries":    len(req.WorkSource),
		"lowPower":                req.LowPower,
		"locationSettingsIgnored": req.LocationSettingsIgnored,
		"fingerprint":             req.Fingerprint().String(),
	})
}

func (s *Service) LogReceive(providerName string, numRegistrations int) {
	s.emit("receive", map[string]interface{}{"provider": providerName, "numRegistrations": numRegistrations})
}

func (s *Service) LogDeliver(clientKey interface{}, success bool) {
	s.emit("deliver", map[string]interface{}{"clientKey": clientKey, "success": success})
}

func (s *Service) LogEnabledChange(providerName string, userID int, enabled bool) {
	s.emit("enabledChange", map[string]interface{}{"provider": providerName, "userId": userID, "enabled": enabled})
}

func (s *Service) LogMockChange(providerName string, enabled bool) {
	s.emit("mockChange", map[string]interface{}{"provider": providerName, "enabled": enabled})
}
