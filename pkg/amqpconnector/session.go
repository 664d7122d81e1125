package amqpconnector

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// session owns exactly one AMQP connection and one channel (invariant 1).
// It is constructed by the Supervisor, runs its Transfer Loop until it
// faults or is told to stop, and is torn down completely on any exit path.
//
// This mirrors how the teacher's broker/brokerCxn pair separates "the thing
// that represents talking to one peer" from "the lazily (re)created
// transport", except here the connection and channel are not split across
// multiple purposes (produce/fetch/normal) because an AMQP channel is
// already a full-duplex multiplexed stream.
type session struct {
	cfg    Config
	conn   *amqp.Connection
	ch     *amqp.Channel
	log    Logger
	hooks  hooks
	m      *metrics
	hb     *heartbeatController
	nakTag string

	connClose chan *amqp.Error
	chanClose chan *amqp.Error

	// counters, §3. sentMessages/recvMessages/active/sessionFetched are
	// owned exclusively by the Transfer Loop goroutine; fetchLimitReached
	// is read by the caller-facing Get, so it is atomic.
	sentMessages      uint64
	recvMessages      uint64
	active            int64
	sessionFetched    int64
	fetchLimitReached int32

	inboundCh  chan<- []byte        // local queue a worker/master reads from via Get
	deliveries <-chan amqp.Delivery // async-mode pushed consumer, nil in sync mode
}

func buildAMQPURL(cfg Config) string {
	scheme := "amqp"
	if cfg.TLSConfig != nil {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Host,
		Path:   "/" + url.PathEscape(trimLeadingSlash(cfg.VirtualHost)),
	}
	return u.String()
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

// newSession performs the full construction sequence in spec §4.1: dial,
// open channel, set QoS, declare both exchanges, optionally flush queues,
// declare+bind the role-appropriate queue, declare the private keepalive
// topology, and register the nak.q consumer. On any failure, everything
// opened so far is closed before returning.
func newSession(cfg Config, log Logger, hks hooks, m *metrics, inbound chan<- []byte) (*session, error) {
	start := time.Now()
	dialer := func(network, addr string) (net.Conn, error) {
		return net.DialTimeout(network, addr, cfg.SocketTimeout)
	}

	conn, err := amqp.DialConfig(buildAMQPURL(cfg), amqp.Config{
		Heartbeat:       cfg.Heartbeat,
		Dial:            dialer,
		TLSClientConfig: cfg.TLSConfig,
	})
	hks.onConnect(cfg.Host, cfg.Master, time.Since(start), err)
	if err != nil {
		return nil, newTransportFault(errors.Wrap(err, "dial broker"))
	}

	s := &session{
		cfg:   cfg,
		conn:  conn,
		log:   log,
		hooks: hks,
		m:     m,
		hb:    newHeartbeatController(cfg.KeepaliveInterval, cfg.KeepaliveTimeout),

		inboundCh: inbound,
	}

	if err := s.open(); err != nil {
		s.teardown()
		return nil, err
	}
	return s, nil
}

func (s *session) open() error {
	ch, err := s.conn.Channel()
	if err != nil {
		return newTransportFault(errors.Wrap(err, "open channel"))
	}
	s.ch = ch

	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return newTransportFault(errors.Wrap(err, "set qos"))
	}

	if err := ch.ExchangeDeclare(s.cfg.TaskExchange, s.cfg.ExchangeType, s.cfg.Durable, false, false, false, nil); err != nil {
		return newTransportFault(errors.Wrap(err, "declare task exchange"))
	}
	if err := ch.ExchangeDeclare(s.cfg.ResponseExchange, s.cfg.ExchangeType, s.cfg.Durable, false, false, false, nil); err != nil {
		return newTransportFault(errors.Wrap(err, "declare response exchange"))
	}

	if s.cfg.FlushQueues {
		if _, err := ch.QueuePurge(s.cfg.TaskQueue, false); err != nil {
			s.log.Log(LogLevelWarn, "purge task queue failed", "err", err)
		}
		if _, err := ch.QueuePurge(s.cfg.ResponseQueue, false); err != nil {
			s.log.Log(LogLevelWarn, "purge response queue failed", "err", err)
		}
	}

	if s.cfg.Master {
		if _, err := ch.QueueDeclare(s.cfg.ResponseQueue, s.cfg.Durable, false, false, false, nil); err != nil {
			return newTransportFault(errors.Wrap(err, "declare response queue"))
		}
		if err := ch.QueueBind(s.cfg.ResponseQueue, routingKey(s.cfg.ResponseQueue), s.cfg.ResponseExchange, false, nil); err != nil {
			return newTransportFault(errors.Wrap(err, "bind response queue"))
		}
	} else {
		if _, err := ch.QueueDeclare(s.cfg.TaskQueue, s.cfg.Durable, false, false, false, nil); err != nil {
			return newTransportFault(errors.Wrap(err, "declare task queue"))
		}
		if err := ch.QueueBind(s.cfg.TaskQueue, routingKey(s.cfg.TaskQueue), s.cfg.TaskExchange, false, nil); err != nil {
			return newTransportFault(errors.Wrap(err, "bind task queue"))
		}
	}

	if err := s.setupKeepaliveTopology(); err != nil {
		return err
	}

	if !s.cfg.Synchronous {
		deliveries, err := ch.Consume(s.consumeQueue(), "", false, false, false, false, nil)
		if err != nil {
			return newTransportFault(errors.Wrap(err, "register inbound consumer"))
		}
		s.deliveries = deliveries
	}

	s.connClose = make(chan *amqp.Error, 1)
	s.chanClose = make(chan *amqp.Error, 1)
	s.conn.NotifyClose(s.connClose)
	s.ch.NotifyClose(s.chanClose)

	s.hb.initTimestamps(time.Now())

	return nil
}

// setupKeepaliveTopology declares the private, process-unique keepalive
// exchange (direct, auto-delete, 5-minute expiry per spec §3) and nak.q,
// then registers the always-on consumer that drives the application
// keepalive round-trip (spec §4.1/§4.2).
func (s *session) setupKeepaliveTopology() error {
	s.nakTag = fmt.Sprintf("keepalive-%s", uuid.NewString())
	exchangeName := fmt.Sprintf("amqpconnector.keepalive.%s", uuid.NewString())
	s.hb.exchangeName = exchangeName

	if err := s.ch.ExchangeDeclare(exchangeName, amqp.ExchangeDirect, false, true, false, false, amqp.Table{
		"x-expires": int32(5 * time.Minute / time.Millisecond),
	}); err != nil {
		return newTransportFault(errors.Wrap(err, "declare keepalive exchange"))
	}

	if _, err := s.ch.QueueDeclare("nak.q", false, false, false, false, nil); err != nil {
		return newTransportFault(errors.Wrap(err, "declare nak.q"))
	}
	if err := s.ch.QueueBind("nak.q", "nak", exchangeName, false, nil); err != nil {
		return newTransportFault(errors.Wrap(err, "bind nak.q"))
	}

	naks, err := s.ch.Consume("nak.q", s.nakTag, false, false, false, false, nil)
	if err != nil {
		return newTransportFault(errors.Wrap(err, "consume nak.q"))
	}
	go s.drainNaks(naks)

	return nil
}

// drainNaks is the private consumer callback from spec §4.1: it updates
// last_keepalive_received and acks every message it sees, for the lifetime
// of this session's channel.
func (s *session) drainNaks(naks <-chan amqp.Delivery) {
	for d := range naks {
		s.hb.recordReceived(time.Now())
		if err := d.Ack(false); err != nil {
			s.log.Log(LogLevelWarn, "ack keepalive delivery failed", "err", err)
		}
	}
}

// consumeQueue returns the queue this role drains: the response queue for
// the master, the task queue for the worker.
func (s *session) consumeQueue() string {
	if s.cfg.Master {
		return s.cfg.ResponseQueue
	}
	return s.cfg.TaskQueue
}

// publishTarget returns the exchange and routing key used for outbound
// publishes: the task exchange for the master (dispatching work), the
// response exchange for the worker (returning results), per spec §4.1.
func (s *session) publishTarget() (exchange, key string) {
	if s.cfg.Master {
		return s.cfg.TaskExchange, routingKey(s.cfg.TaskQueue)
	}
	return s.cfg.ResponseExchange, routingKey(s.cfg.ResponseQueue)
}

func (s *session) disconnected() bool {
	if s.conn == nil || s.conn.IsClosed() {
		return true
	}
	select {
	case <-s.connClose:
		return true
	case <-s.chanClose:
		return true
	default:
		return false
	}
}

// teardown sets prefetch to zero and closes the channel then the
// connection, swallowing errors (logged only) since the session is already
// being disposed (spec §4.3, §7.4).
func (s *session) teardown() {
	if s.ch != nil {
		if err := s.ch.Qos(0, 0, false); err != nil {
			s.log.Log(LogLevelDebug, "qos reset during teardown failed", "err", err)
		}
		if err := s.ch.Close(); err != nil {
			s.log.Log(LogLevelDebug, "channel close during teardown failed", "err", err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Log(LogLevelDebug, "connection close during teardown failed", "err", err)
		}
	}
	s.hooks.onDisconnect(s.cfg.Host, s.cfg.Master)
}

// publish sends one payload to this role's exchange, applying persistent
// delivery mode when the session is durable (spec §4.1 publish contract).
func (s *session) publish(ctx context.Context, body []byte) error {
	exchange, key := s.publishTarget()
	deliveryMode := amqp.Transient
	if s.cfg.Durable {
		deliveryMode = amqp.Persistent
	}
	err := s.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: deliveryMode,
		Timestamp:    time.Now(),
		Body:         body,
	})
	s.hooks.onPublish(exchange, key, len(body), err)
	if err != nil {
		return newTransportFault(errors.Wrap(err, "publish"))
	}
	atomic.AddUint64(&s.sentMessages, 1)
	if s.m != nil {
		s.m.sentMessages.Inc()
	}
	return nil
}
