package amqpconnector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingHook struct {
	connects    int
	disconnects int
	publishes   int
	faults      int
	lastErr     error
}

func (r *recordingHook) OnConnect(addr string, master bool, elapsed time.Duration, err error) {
	r.connects++
}
func (r *recordingHook) OnDisconnect(addr string, master bool) { r.disconnects++ }
func (r *recordingHook) OnPublish(exchange, routingKey string, bytes int, err error) {
	r.publishes++
}
func (r *recordingHook) OnFault(err error) {
	r.faults++
	r.lastErr = err
}

// partialHook implements only ConnectHook, to confirm dispatch uses type
// assertion per hook rather than requiring every interface.
type partialHook struct{ connects int }

func (p *partialHook) OnConnect(addr string, master bool, elapsed time.Duration, err error) {
	p.connects++
}

func TestHooksDispatchToImplementedInterfacesOnly(t *testing.T) {
	full := &recordingHook{}
	partial := &partialHook{}
	hs := hooks{full, partial}

	hs.onConnect("broker:5672", true, time.Millisecond, nil)
	hs.onDisconnect("broker:5672", true)
	hs.onPublish("tasks.e", "task", 10, nil)
	hs.onFault(errBrokerDead)

	assert.Equal(t, 1, full.connects)
	assert.Equal(t, 1, full.disconnects)
	assert.Equal(t, 1, full.publishes)
	assert.Equal(t, 1, full.faults)
	assert.ErrorIs(t, full.lastErr, errBrokerDead)

	assert.Equal(t, 1, partial.connects)
}

func TestHooksEachVisitsEveryHook(t *testing.T) {
	var seen int
	hs := hooks{&recordingHook{}, &partialHook{}}
	hs.each(func(h Hook) { seen++ })
	assert.Equal(t, 2, seen)
}
