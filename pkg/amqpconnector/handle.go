// Package amqpconnector bridges an in-process producer/consumer API to a
// remote AMQP 0-9-1 broker, for a master/worker distributed task system.
// Connector is the external collaborator (spec §4.7): callers Put work or
// results in, Get what the broker has delivered, and Stop to drain and shut
// down. Everything else in this package is internal machinery the
// Connector's Supervisor goroutine drives on the caller's behalf.
package amqpconnector

import (
	"sync"
	"sync/atomic"
	"time"
)

// Connector is the Connector Handle of spec §4.7. It is safe for concurrent
// use by multiple goroutines.
type Connector struct {
	cfg   Config
	log   Logger
	hooks hooks
	m     *metrics

	outbound chan []byte
	inbound  chan []byte

	runstate int32 // runstateRunning / runstateStopped

	mu         sync.Mutex // guards launch/stop of the supervisor goroutine
	launched   bool
	supervisor *supervisor
}

// New validates cfg (filling zero-value fields with spec §6 defaults) and
// returns a Connector ready to have its supervisor goroutine started by the
// first Put or Get call, matching the original's lazy-launch behavior.
func New(cfg Config) (*Connector, error) {
	cfg, err := normalize(cfg)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = nopLogger{}
	}

	c := &Connector{
		cfg:      cfg,
		log:      log,
		hooks:    hooks(cfg.Hooks),
		m:        newMetrics(cfg.MetricsNamespace, cfg.Registerer),
		outbound: make(chan []byte, cfg.LocalQueueCapacity),
		inbound:  make(chan []byte, cfg.LocalQueueCapacity),
	}
	return c, nil
}

// checkLaunchThread starts the Supervisor goroutine on first use, and is a
// no-op on every subsequent call. This mirrors the original's
// "start the background thread lazily, once" behavior rather than requiring
// callers to remember an explicit Start.
func (c *Connector) checkLaunchThread() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.launched {
		return
	}
	c.launched = true
	c.supervisor = newSupervisor(c.cfg, c.log, c.hooks, c.m, &c.runstate, c.outbound, c.inbound)
	go c.supervisor.run()
}

// Put enqueues a payload for publishing. If synchronousThreshold is
// positive, Put blocks while the outbound queue already holds at least that
// many unpublished payloads, providing the caller-side backpressure spec §4.7
// describes; zero or negative disables blocking.
func (c *Connector) Put(payload []byte, synchronousThreshold int) error {
	if atomic.LoadInt32(&c.runstate) == runstateStopped {
		return ErrStopped
	}
	c.checkLaunchThread()

	for synchronousThreshold > 0 && len(c.outbound) >= synchronousThreshold {
		if atomic.LoadInt32(&c.runstate) == runstateStopped {
			return ErrStopped
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.outbound <- payload
	return nil
}

// Get returns the next payload the broker has delivered, if any is
// immediately available. ok is false with a nil error when nothing is
// queued yet. Once the session's fetch limit has been reached and the
// inbound queue has drained, Get returns ErrFetchLimitExceeded instead.
func (c *Connector) Get() ([]byte, bool, error) {
	c.checkLaunchThread()

	select {
	case body := <-c.inbound:
		return body, true, nil
	default:
	}

	if c.fetchLimitReached() && len(c.inbound) == 0 {
		return nil, false, ErrFetchLimitExceeded
	}
	return nil, false, nil
}

func (c *Connector) fetchLimitReached() bool {
	c.mu.Lock()
	sup := c.supervisor
	c.mu.Unlock()
	if sup == nil {
		return false
	}
	return sup.fetchLimitReached()
}

// Stop signals the Transfer Loop to finish its current session gracefully:
// outbound is fully flushed before the connection closes (spec's draining
// rule), while inbound may retain unread messages. Stop blocks until the
// Supervisor goroutine has exited, logging progress roughly once a second
// while outbound drains.
func (c *Connector) Stop() {
	atomic.StoreInt32(&c.runstate, runstateStopped)

	c.mu.Lock()
	launched := c.launched
	sup := c.supervisor
	c.mu.Unlock()

	if !launched {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sup.done:
			return
		case <-ticker.C:
			c.log.Log(LogLevelInfo, "stopping, waiting for outbound to drain", "outbound_queued", len(c.outbound))
		}
	}
}
