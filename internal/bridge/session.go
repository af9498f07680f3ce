package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sink is the transport a Session pushes encoded messages to. The
// production implementation wraps one *websocket.Conn; tests use an
// in-memory recorder.
type Sink interface {
	WriteMessage(payload []byte) error
	Close() error
}

// outboundMessage is one queued push, tagged with enough to coalesce and
// dedup by vehicle.
type outboundMessage struct {
	vehicleID string
	stream    string
	status    string // empty disables dedup for this message
	payload   []byte
	queuedAt  time.Time
}

// Session is one subscriber connection's push queue: spec.md §4.6's
// per-session backpressure (coalesce at the high-water mark, disconnect at
// the hard limit) and per-vehicle status dedup live here, independent of
// the transport.
type Session struct {
	ID            string
	vehicleFilter string // empty means "all vehicles"

	cfg  Config
	sink Sink

	mu                  sync.Mutex
	queue               []outboundMessage
	lastStatusByVehicle map[string]string
	lastPushedByVehicle map[string]time.Time

	dropped atomic.Int64
	closed  atomic.Bool
	wake    chan struct{}
}

func newSession(id, vehicleFilter string, sink Sink, cfg Config) *Session {
	return &Session{
		ID:                  id,
		vehicleFilter:       vehicleFilter,
		cfg:                 cfg,
		sink:                sink,
		queue:               make([]outboundMessage, 0, cfg.SessionQueueSize),
		lastStatusByVehicle: make(map[string]string),
		lastPushedByVehicle: make(map[string]time.Time),
		wake:                make(chan struct{}, 1),
	}
}

// Matches reports whether this session wants messages for vehicleID.
func (s *Session) Matches(vehicleID string) bool {
	return s.vehicleFilter == "" || s.vehicleFilter == vehicleID
}

// Dropped returns the cumulative count of coalesced-away messages.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Closed reports whether the session has been torn down (hard limit hit
// or explicit Close).
func (s *Session) Closed() bool { return s.closed.Load() }

// Enqueue queues msg for delivery, applying the dedup check, then the
// high-water coalescing policy, then the hard-limit disconnect.
// Returns false if the session was closed as a result (either already
// closed, or closed by this call for exceeding the hard limit).
func (s *Session) Enqueue(msg outboundMessage) bool {
	if s.closed.Load() {
		return false
	}

	s.mu.Lock()
	if msg.status != "" {
		if last, ok := s.lastStatusByVehicle[msg.vehicleID]; ok && last == msg.status {
			if pushedAt, ok := s.lastPushedByVehicle[msg.vehicleID]; ok && msg.queuedAt.Sub(pushedAt) < s.cfg.DedupWindow {
				s.mu.Unlock()
				return true
			}
		}
	}

	s.queue = append(s.queue, msg)
	if len(s.queue) > s.cfg.HighWaterMark {
		s.coalesceLocked()
	}
	exceedsHardLimit := len(s.queue) > s.cfg.HardLimit
	s.mu.Unlock()

	if exceedsHardLimit {
		s.Close()
		return false
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// coalesceLocked keeps only the most recently queued message per vehicle,
// spec.md §4.6's "coalescing policy: keep latest per vehicle".
func (s *Session) coalesceLocked() {
	order := make([]string, 0, len(s.queue))
	latest := make(map[string]outboundMessage, len(s.queue))
	for _, m := range s.queue {
		if _, ok := latest[m.vehicleID]; !ok {
			order = append(order, m.vehicleID)
		}
		latest[m.vehicleID] = m
	}
	if dropped := len(s.queue) - len(order); dropped > 0 {
		s.dropped.Add(int64(dropped))
	}
	coalesced := make([]outboundMessage, 0, len(order))
	for _, v := range order {
		coalesced = append(coalesced, latest[v])
	}
	s.queue = coalesced
}

// dequeue pops the oldest queued message, if any.
func (s *Session) dequeue() (outboundMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return outboundMessage{}, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

// markPushed records the vehicle's status as last-delivered, for the
// dedup check on subsequent enqueues.
func (s *Session) markPushed(msg outboundMessage, at time.Time) {
	if msg.status == "" {
		return
	}
	s.mu.Lock()
	s.lastStatusByVehicle[msg.vehicleID] = msg.status
	s.lastPushedByVehicle[msg.vehicleID] = at
	s.mu.Unlock()
}

// pump drains the queue to the sink until closed. Run as its own
// goroutine per session.
func (s *Session) pump(latencyObserver func(time.Duration, time.Time)) {
	for {
		msg, ok := s.dequeue()
		if !ok {
			if s.closed.Load() {
				return
			}
			<-s.wake
			continue
		}
		start := time.Now()
		err := s.sink.WriteMessage(msg.payload)
		if latencyObserver != nil {
			latencyObserver(time.Since(start), start)
		}
		if err != nil {
			s.Close()
			return
		}
		s.markPushed(msg, start)
	}
}

// Close tears down the session's sink and marks it closed; idempotent.
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.sink.Close()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}
