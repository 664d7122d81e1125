package amqpconnector

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransferLoop(capacity int, fetchLimit int) (*transferLoop, chan []byte, chan []byte) {
	outbound := make(chan []byte, capacity)
	inbound := make(chan []byte, capacity)
	var runstate int32
	cfg := Config{SessionFetchLimit: fetchLimit, Prefetch: 1}
	tl := &transferLoop{
		cfg:      cfg,
		log:      nopLogger{},
		runstate: &runstate,
		outbound: outbound,
		inbound:  inbound,
	}
	return tl, outbound, inbound
}

func TestDeliverInboundIncrementsCounters(t *testing.T) {
	tl, _, inbound := newTestTransferLoop(10, 0)
	sess := &session{}

	tl.deliverInbound(sess, []byte("payload"))

	assert.Equal(t, int64(1), atomic.LoadInt64(&sess.sessionFetched))
	assert.Equal(t, uint64(1), atomic.LoadUint64(&sess.recvMessages))
	require.Len(t, inbound, 1)
	assert.Equal(t, []byte("payload"), <-inbound)
}

func TestDeliverInboundDropsWhenInboundFull(t *testing.T) {
	tl, _, inbound := newTestTransferLoop(1, 0)
	sess := &session{}
	inbound <- []byte("already queued")

	tl.deliverInbound(sess, []byte("overflow"))

	// Counters must not advance for a message that was dropped, or
	// session_fetched would overcount what the caller can actually Get.
	assert.Equal(t, int64(0), atomic.LoadInt64(&sess.sessionFetched))
	assert.Equal(t, uint64(0), atomic.LoadUint64(&sess.recvMessages))
	assert.Len(t, inbound, 1)
}

func TestFetchLimitReachedUnboundedWhenZero(t *testing.T) {
	tl, _, _ := newTestTransferLoop(10, 0)
	sess := &session{sessionFetched: 1_000_000}
	assert.False(t, tl.fetchLimitReached(sess))
}

func TestFetchLimitReachedLatchesFlag(t *testing.T) {
	tl, _, _ := newTestTransferLoop(10, 3)
	sess := &session{sessionFetched: 3}

	assert.True(t, tl.fetchLimitReached(sess))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sess.fetchLimitReached))
}

func TestFetchLimitNotReachedBelowLimit(t *testing.T) {
	tl, _, _ := newTestTransferLoop(10, 3)
	sess := &session{sessionFetched: 2}

	assert.False(t, tl.fetchLimitReached(sess))
	assert.Equal(t, int32(0), atomic.LoadInt32(&sess.fetchLimitReached))
}

func TestPublishOutboundRetriesPendingBeforeDrainingQueue(t *testing.T) {
	tl, outbound, _ := newTestTransferLoop(10, 0)
	outbound <- []byte("second")
	outbound <- []byte("third")

	pending := []byte("first")
	tl.pending = &pending

	var order [][]byte
	tl.publish = func(s *session, ctx context.Context, body []byte) error {
		order = append(order, body)
		return nil
	}

	sess := &session{}
	require.NoError(t, tl.publishOutbound(sess))

	require.Len(t, order, 3)
	assert.Equal(t, []byte("first"), order[0])
	assert.Equal(t, []byte("second"), order[1])
	assert.Equal(t, []byte("third"), order[2])
	assert.Nil(t, *tl.pending)
	assert.Equal(t, int64(-3), atomic.LoadInt64(&sess.active))
}

func TestPublishOutboundSetsPendingOnFailureAndStops(t *testing.T) {
	tl, outbound, _ := newTestTransferLoop(10, 0)
	outbound <- []byte("first")
	outbound <- []byte("second")

	var pending []byte
	tl.pending = &pending

	failure := errors.New("publish failed")
	var calls int
	tl.publish = func(s *session, ctx context.Context, body []byte) error {
		calls++
		return failure
	}

	sess := &session{}
	atomic.StoreInt64(&sess.active, 2)

	err := tl.publishOutbound(sess)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "publishOutbound must stop at the first failure rather than trying the rest of the queue")
	assert.Equal(t, []byte("first"), *tl.pending)
	assert.Equal(t, int64(2), atomic.LoadInt64(&sess.active), "active must not decrement on a failed publish")
	assert.Len(t, outbound, 1, "the second queued message must still be waiting, untouched")
}

func TestPublishOutboundRetriesSamePendingAcrossCallsUntilItSucceeds(t *testing.T) {
	tl, _, _ := newTestTransferLoop(10, 0)

	pending := []byte("stuck")
	tl.pending = &pending

	failure := errors.New("still down")
	attempt := 0
	tl.publish = func(s *session, ctx context.Context, body []byte) error {
		attempt++
		if attempt < 2 {
			return failure
		}
		return nil
	}

	sess := &session{}
	require.Error(t, tl.publishOutbound(sess))
	assert.Equal(t, []byte("stuck"), *tl.pending)

	require.NoError(t, tl.publishOutbound(sess))
	assert.Nil(t, *tl.pending)
}
