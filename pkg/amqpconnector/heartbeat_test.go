package amqpconnector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatDueToSend(t *testing.T) {
	h := newHeartbeatController(10*time.Second, 120*time.Second)
	start := time.Now()
	h.initTimestamps(start)

	assert.False(t, h.dueToSend(start.Add(5*time.Second)))
	assert.True(t, h.dueToSend(start.Add(10*time.Second)))
	assert.True(t, h.dueToSend(start.Add(11*time.Second)))
}

func TestHeartbeatAdvanceSentPreservesCadence(t *testing.T) {
	h := newHeartbeatController(10*time.Second, 120*time.Second)
	start := time.Now()
	h.initTimestamps(start)

	// Sent late (at +15s, five seconds past due) should still advance by
	// exactly one interval, not jump to "now" and reset the cadence.
	late := start.Add(15 * time.Second)
	h.mu.Lock()
	h.lastKeepaliveSent = late
	h.mu.Unlock()
	h.advanceSent()

	h.mu.Lock()
	got := h.lastKeepaliveSent
	h.mu.Unlock()
	assert.Equal(t, late.Add(10*time.Second), got)
}

func TestHeartbeatTimedOut(t *testing.T) {
	h := newHeartbeatController(10*time.Second, 30*time.Second)
	start := time.Now()
	h.initTimestamps(start)

	assert.False(t, h.timedOut(start.Add(29*time.Second)))
	assert.True(t, h.timedOut(start.Add(31*time.Second)))
}

func TestHeartbeatRecordReceivedOnlyAdvances(t *testing.T) {
	h := newHeartbeatController(10*time.Second, 120*time.Second)
	start := time.Now()
	h.initTimestamps(start)

	h.recordReceived(start.Add(5 * time.Second))
	h.recordReceived(start.Add(1 * time.Second)) // older, should be ignored

	h.mu.Lock()
	got := h.lastKeepaliveReceived
	h.mu.Unlock()
	assert.Equal(t, start.Add(5*time.Second), got)
}

func TestProtocolTickNilConnection(t *testing.T) {
	h := newHeartbeatController(time.Second, time.Minute)
	assert.False(t, h.ProtocolTick(nil))
}
