package amqpconnector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// runstate values shared between the Connector Handle and the Supervisor.
const (
	runstateRunning int32 = iota
	runstateStopped
)

const statusLogInterval = 15 * time.Second

// transferLoop is the single-threaded cooperative loop described in spec
// §4.3. It owns the session for its entire lifetime: all broker I/O, both
// heartbeat layers, publishes, and local-queue drains happen here, on one
// goroutine, at the cadence set by PollRate. It runs until runstate is
// stopped AND the outbound queue is empty (the draining rule), or until a
// fault escapes to the caller (the Supervisor).
type transferLoop struct {
	cfg      Config
	log      Logger
	hooks    hooks
	m        *metrics
	runstate *int32

	outbound <-chan []byte
	inbound  chan<- []byte

	// sessPtr is read from other goroutines (the Connector Handle's Get,
	// checking fetch-limit state), so it is an atomic.Pointer rather than a
	// plain field.
	sessPtr atomic.Pointer[session]

	// pending holds a payload that was pulled off outbound but failed to
	// publish before the session faulted. It survives across Supervisor
	// restarts (the Supervisor passes the same pointer into each new
	// transferLoop) so a publish fault never silently drops a message.
	pending *[]byte

	// publish defaults to (*session).publish; tests override it to drive
	// publishOutbound/publishOne without a live broker connection.
	publish func(sess *session, ctx context.Context, body []byte) error

	integrator time.Duration
}

func (t *transferLoop) currentSession() *session { return t.sessPtr.Load() }

func newTransferLoop(cfg Config, log Logger, hks hooks, m *metrics, runstate *int32, outbound <-chan []byte, inbound chan<- []byte, pending *[]byte) *transferLoop {
	return &transferLoop{
		cfg:      cfg,
		log:      log,
		hooks:    hks,
		m:        m,
		runstate: runstate,
		outbound: outbound,
		inbound:  inbound,
		pending:  pending,
	}
}

// run constructs a Broker Session and drives it until stop+drain or a
// fault. It returns nil only on a graceful, fully-drained stop; any other
// return is a fault for the Supervisor to handle.
func (t *transferLoop) run() error {
	sess, err := newSession(t.cfg, t.log, t.hooks, t.m, t.inbound)
	if err != nil {
		return err
	}
	t.sessPtr.Store(sess)
	defer sess.teardown()

	for {
		if sess.disconnected() {
			t.log.Log(LogLevelWarn, "session disconnected, reconnecting")
			sess.teardown()
			newSess, err := newSession(t.cfg, t.log, t.hooks, t.m, t.inbound)
			if err != nil {
				return err
			}
			sess = newSess
			t.sessPtr.Store(sess)
		}

		now := time.Now()
		if sess.hb.dueToSend(now) {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SocketTimeout)
			err := sess.hb.sendKeepalive(ctx, sess.ch)
			cancel()
			if err != nil {
				return newTransportFault(errors.Wrap(err, "send keepalive"))
			}
			sess.hb.advanceSent()
		}

		if !sess.hb.ProtocolTick(sess.conn) {
			return newTransportFault(errors.New("connection closed"))
		}

		if sess.hb.timedOut(time.Now()) {
			return newHeartbeatFault(errHeartbeatTimeout)
		}

		time.Sleep(t.cfg.PollRate)

		stopping := atomic.LoadInt32(t.runstate) == runstateStopped

		if t.cfg.Synchronous {
			if atomic.LoadInt64(&sess.active) == 0 && !stopping {
				n, err := t.fetch(sess)
				if err != nil {
					return err
				}
				atomic.AddInt64(&sess.active, int64(n))
			}
		} else {
			if err := t.drainAsync(sess); err != nil {
				return err
			}
		}

		if err := t.publishOutbound(sess); err != nil {
			return err
		}

		t.logStatus(sess, stopping)

		if stopping && len(t.outbound) == 0 {
			return nil
		}
	}
}

// fetchLimitReached reports whether this session has already acked
// SessionFetchLimit messages, latching sess.fetchLimitReached the first
// time it observes this so Connector.Get can surface ErrFetchLimitExceeded
// (spec §3 Invariant 3, §8's "cumulative acked <= L" property). Shared by
// both the synchronous fetch path and the asynchronous delivery path so
// neither can exceed the limit.
func (t *transferLoop) fetchLimitReached(sess *session) bool {
	if !t.cfg.fetchLimited() {
		return false
	}
	if atomic.LoadInt64(&sess.sessionFetched) >= int64(t.cfg.SessionFetchLimit) {
		atomic.StoreInt32(&sess.fetchLimitReached, 1)
		return true
	}
	return false
}

// fetch implements the bounded fetch of spec §4.4: repeatedly basic.get the
// inbound broker queue, acking and enqueuing each delivery, until the queue
// is empty, the prefetch bound is exceeded, or the fetch limit is hit.
func (t *transferLoop) fetch(sess *session) (int, error) {
	queue := sess.consumeQueue()
	fetched := 0

	for {
		if t.fetchLimitReached(sess) {
			break
		}

		d, ok, err := sess.ch.Get(queue, false)
		if err != nil {
			return fetched, newTransportFault(errors.Wrap(err, "basic.get"))
		}
		if !ok {
			break
		}

		if err := d.Ack(false); err != nil {
			t.log.Log(LogLevelWarn, "ack fetched delivery failed", "err", err)
		}
		t.deliverInbound(sess, d.Body)

		fetched++
		if fetched > t.cfg.Prefetch {
			break
		}
	}
	return fetched, nil
}

// drainAsync is the async-mode equivalent of spec §4.3 step 6: drain
// whatever the pushed consumer has already delivered, waiting up to one
// second for the first delivery. A timeout here is benign; the consumer
// callback (session.go's Consume registration feeding sess.deliveries) has
// already done the real work of getting messages into the channel. Draining
// stops as soon as the fetch limit is reached, the same bound the
// synchronous fetch() path enforces, so a worker in async mode cannot ack
// past SessionFetchLimit either.
func (t *transferLoop) drainAsync(sess *session) error {
	if sess.deliveries == nil {
		return nil
	}
	if t.fetchLimitReached(sess) {
		return nil
	}
	timeout := time.NewTimer(time.Second)
	defer timeout.Stop()

	select {
	case d, ok := <-sess.deliveries:
		if !ok {
			return newTransportFault(errors.New("delivery channel closed"))
		}
		t.handleAsyncDelivery(sess, d)
	case <-timeout.C:
		return nil
	}

	// Drain anything else already buffered without blocking further.
	for {
		if t.fetchLimitReached(sess) {
			return nil
		}
		select {
		case d, ok := <-sess.deliveries:
			if !ok {
				return newTransportFault(errors.New("delivery channel closed"))
			}
			t.handleAsyncDelivery(sess, d)
		default:
			return nil
		}
	}
}

// handleAsyncDelivery acks (when AckRx is set) and enqueues a pushed
// delivery, incrementing active the same way fetch() does for the
// synchronous path. Once the
// fetch limit is already reached, it nacks-and-requeues instead of acking,
// so the message goes back to the broker rather than being double-counted
// past the limit.
func (t *transferLoop) handleAsyncDelivery(sess *session, d amqp.Delivery) {
	if t.fetchLimitReached(sess) {
		if err := d.Nack(false, true); err != nil {
			t.log.Log(LogLevelWarn, "nack delivery past fetch limit failed", "err", err)
		}
		return
	}

	if t.cfg.AckRx {
		if err := d.Ack(false); err != nil {
			t.log.Log(LogLevelWarn, "ack delivered message failed", "err", err)
		}
	}
	t.deliverInbound(sess, d.Body)
	atomic.AddInt64(&sess.active, 1)
}

// deliverInbound pushes one payload to the local inbound queue and updates
// the counters shared by fetch-limit accounting (spec's Open Question: one
// counter incremented at enqueue-to-inbound time, covering both modes).
func (t *transferLoop) deliverInbound(sess *session, body []byte) {
	select {
	case t.inbound <- body:
	default:
		t.log.Log(LogLevelWarn, "inbound queue full, dropping message")
		return
	}
	atomic.AddInt64(&sess.sessionFetched, 1)
	atomic.AddUint64(&sess.recvMessages, 1)
	if t.m != nil {
		t.m.recvMessages.Inc()
		t.m.sessionFetched.Inc()
	}
}

// publishOutbound drains every payload currently buffered in the outbound
// local queue, in FIFO order, publishing each to the role-appropriate
// exchange (spec §4.5). Any payload left over from a publish that faulted
// the previous session is retried first, so a fault never silently drops a
// message that was already pulled off the outbound channel.
func (t *transferLoop) publishOutbound(sess *session) error {
	if t.pending != nil && *t.pending != nil {
		if err := t.publishOne(sess, *t.pending); err != nil {
			return err
		}
		*t.pending = nil
	}

	for {
		select {
		case body, ok := <-t.outbound:
			if !ok {
				return nil
			}
			if err := t.publishOne(sess, body); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (t *transferLoop) publishOne(sess *session, body []byte) error {
	publish := t.publish
	if publish == nil {
		publish = func(s *session, ctx context.Context, body []byte) error { return s.publish(ctx, body) }
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SocketTimeout)
	err := publish(sess, ctx, body)
	cancel()
	if err != nil {
		if t.pending != nil {
			*t.pending = body
		}
		return err
	}
	atomic.AddInt64(&sess.active, -1)
	return nil
}

func (t *transferLoop) logStatus(sess *session, stopping bool) {
	t.integrator += t.cfg.PollRate
	if t.integrator < statusLogInterval {
		return
	}
	t.integrator = 0
	t.log.Log(LogLevelInfo, "transfer loop status",
		"active", atomic.LoadInt64(&sess.active),
		"sent", atomic.LoadUint64(&sess.sentMessages),
		"recv", atomic.LoadUint64(&sess.recvMessages),
		"session_fetched", atomic.LoadInt64(&sess.sessionFetched),
		"outbound_queued", len(t.outbound),
		"stopping", stopping,
	)
	if t.m != nil {
		t.m.active.Set(float64(atomic.LoadInt64(&sess.active)))
	}
}
