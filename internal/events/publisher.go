package events

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grading-agent/backend/pkg/logger"
)

// Event types cover every job and run transition plus page-level partial
// results. Heartbeats are synthetic, carry no sequence number, and are never
// buffered.
const (
	TypeJobQueued    = "job_queued"
	TypeJobRunning   = "job_running"
	TypeRunStatus    = "run_status"
	TypePagePartial  = "page_partial"
	TypeJobCompleted = "job_completed"
	TypeJobFailed    = "job_failed"
	TypeHeartbeat    = "heartbeat"
)

// ErrReplayWindowExceeded tells a resuming subscriber its last-seen sequence
// id fell off the retention buffer; it must re-fetch job state out-of-band.
var ErrReplayWindowExceeded = errors.New("last event id is below the replay retention floor")

type Event struct {
	JobID   string      `json:"job_id"`
	Seq     uint64      `json:"seq"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

type Config struct {
	Heartbeat    time.Duration
	IdleTimeout  time.Duration
	ReplayWindow int
}

// Publisher keeps one ordered, resumable event stream per job. Sequence
// assignment and buffering go through a single append path per job so
// sibling page runs publishing concurrently stay monotonic.
type Publisher struct {
	mu      sync.Mutex
	streams map[string]*stream
	cfg     Config
}

type stream struct {
	mu   sync.Mutex
	seq  uint64
	buf  []Event
	subs map[*Subscription]struct{}
}

// Subscription delivers buffered then live events on C. Cancel tears the
// channel down; the publisher also tears it down itself when the consumer
// stalls past the idle window.
type Subscription struct {
	C      chan Event
	pub    *Publisher
	str    *stream
	closed chan struct{}
	once   sync.Once
}

func NewPublisher(cfg Config) *Publisher {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.ReplayWindow == 0 {
		cfg.ReplayWindow = 256
	}
	return &Publisher{
		streams: make(map[string]*stream),
		cfg:     cfg,
	}
}

func (p *Publisher) streamFor(jobID string) *stream {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[jobID]
	if !ok {
		s = &stream{subs: make(map[*Subscription]struct{})}
		p.streams[jobID] = s
	}
	return s
}

// Publish appends one event to the job's stream and fans it out.
func (p *Publisher) Publish(jobID, eventType string, payload interface{}) Event {
	s := p.streamFor(jobID)

	s.mu.Lock()
	s.seq++
	ev := Event{
		JobID:   jobID,
		Seq:     s.seq,
		Type:    eventType,
		Payload: payload,
		At:      time.Now(),
	}

	s.buf = append(s.buf, ev)
	if len(s.buf) > p.cfg.ReplayWindow {
		s.buf = s.buf[len(s.buf)-p.cfg.ReplayWindow:]
	}

	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(ev, p.cfg.IdleTimeout)
	}

	return ev
}

// Subscribe replays every buffered event after lastSeq, then continues live.
// lastSeq zero means from the beginning of the retained window.
func (p *Publisher) Subscribe(jobID string, lastSeq uint64) (*Subscription, error) {
	s := p.streamFor(jobID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) > 0 && lastSeq != 0 && lastSeq+1 < s.buf[0].Seq {
		return nil, ErrReplayWindowExceeded
	}
	if len(s.buf) == 0 && lastSeq != 0 && lastSeq < s.seq {
		return nil, ErrReplayWindowExceeded
	}

	var replay []Event
	for _, ev := range s.buf {
		if ev.Seq > lastSeq {
			replay = append(replay, ev)
		}
	}

	sub := &Subscription{
		C:      make(chan Event, len(replay)+64),
		pub:    p,
		str:    s,
		closed: make(chan struct{}),
	}
	for _, ev := range replay {
		sub.C <- ev
	}

	s.subs[sub] = struct{}{}

	go sub.heartbeatLoop(jobID, p.cfg.Heartbeat, p.cfg.IdleTimeout)

	return sub, nil
}

// Close drops the job's stream; used once a terminal job ages out of
// retention.
func (p *Publisher) Close(jobID string) {
	p.mu.Lock()
	s, ok := p.streams[jobID]
	if ok {
		delete(p.streams, jobID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (sub *Subscription) deliver(ev Event, idleTimeout time.Duration) {
	select {
	case sub.C <- ev:
	case <-sub.closed:
	case <-time.After(idleTimeout):
		// Consumer stalled past the idle window: assume it is gone.
		logger.Warn("Event subscriber stalled, tearing down",
			zap.String("job_id", ev.JobID),
			zap.Uint64("seq", ev.Seq),
		)
		sub.Cancel()
	}
}

func (sub *Subscription) heartbeatLoop(jobID string, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.closed:
			return
		case <-ticker.C:
			hb := Event{JobID: jobID, Type: TypeHeartbeat, At: time.Now()}
			select {
			case sub.C <- hb:
			case <-sub.closed:
				return
			case <-time.After(idleTimeout):
				sub.Cancel()
				return
			}
		}
	}
}

// Done is closed when the subscription is torn down. Consumers select on it
// together with C; C itself is never closed.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.closed
}

// Cancel detaches the subscription.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		sub.str.mu.Lock()
		delete(sub.str.subs, sub)
		sub.str.mu.Unlock()
		close(sub.closed)
	})
}
