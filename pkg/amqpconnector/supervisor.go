package amqpconnector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// supervisor rebuilds the Broker Session on fault, per spec §4.6. It holds
// the process-wide invariant that at most one session is live at a time:
// activeSessions is a package-level atomic counter, asserted 0->1 at the
// start of each attempt and reset 1->0 when the attempt ends, so a bug that
// tried to run two sessions concurrently would corrupt that counter
// observably rather than silently double-consume from the broker.
var activeSessions int32

// ActiveSessions reports how many Broker Sessions are currently live across
// this process. It exists for tests and diagnostics; production code has no
// reason to call it.
func ActiveSessions() int32 { return atomic.LoadInt32(&activeSessions) }

type supervisor struct {
	cfg      Config
	log      Logger
	hooks    hooks
	m        *metrics
	runstate *int32

	outbound <-chan []byte
	inbound  chan<- []byte

	done chan struct{}

	// pendingPublish carries a payload that failed to publish across a
	// session rebuild, so a fault on publish never drops a message (see
	// DESIGN.md's Open Question 3).
	pendingPublish []byte

	mu      sync.Mutex
	current *transferLoop
}

// fetchLimitReached reports whether the currently running session (if any)
// has hit its configured fetch limit, so Get can surface ErrFetchLimitExceeded.
func (s *supervisor) fetchLimitReached() bool {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return false
	}
	sess := cur.currentSession()
	if sess == nil {
		return false
	}
	return atomic.LoadInt32(&sess.fetchLimitReached) == 1
}

func newSupervisor(cfg Config, log Logger, hks hooks, m *metrics, runstate *int32, outbound <-chan []byte, inbound chan<- []byte) *supervisor {
	return &supervisor{
		cfg:      cfg,
		log:      log,
		hooks:    hks,
		m:        m,
		runstate: runstate,
		outbound: outbound,
		inbound:  inbound,
		done:     make(chan struct{}),
	}
}

// run is the Supervisor's own loop: build a transferLoop, run it to
// completion, and if that completion was a fault (not a graceful drained
// stop) and runstate is still runstateRunning, rebuild after a backoff
// delay. It closes s.done and returns after a graceful drained stop, after a
// fault once runstate is already runstateStopped (without draining), or at
// once if another session is already active.
func (s *supervisor) run() {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RestartBackoffMin
	bo.MaxInterval = s.cfg.RestartBackoffMax
	bo.MaxElapsedTime = 0 // retry indefinitely; only a graceful stop ends the loop

	for {
		if !atomic.CompareAndSwapInt32(&activeSessions, 0, 1) {
			// Another session is somehow still live; this would be a bug in
			// the caller's use of the package (e.g. two Connectors sharing
			// state), not a condition this loop can fix by waiting.
			s.log.Log(LogLevelError, "refusing to start session, one is already active")
			return
		}

		tl := newTransferLoop(s.cfg, s.log, s.hooks, s.m, s.runstate, s.outbound, s.inbound, &s.pendingPublish)
		s.mu.Lock()
		s.current = tl
		s.mu.Unlock()

		err := tl.run()

		atomic.StoreInt32(&activeSessions, 0)

		if err == nil {
			return
		}

		s.hooks.onFault(err)
		if s.m != nil {
			s.m.faults.WithLabelValues(faultClass(err)).Inc()
		}
		s.log.Log(LogLevelError, "session faulted, restarting", "err", err)

		if atomic.LoadInt32(s.runstate) == runstateStopped {
			// A stop was requested mid-fault; honor it rather than restarting
			// into a shutdown that will just fault again on the next publish.
			return
		}

		if s.m != nil {
			s.m.restarts.Inc()
		}

		delay := bo.NextBackOff()
		time.Sleep(delay)
	}
}

// faultClass extracts the class label used for the faults_total metric.
func faultClass(err error) string {
	if fe, ok := err.(*faultError); ok {
		return fe.class
	}
	return "unknown"
}
