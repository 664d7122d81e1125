package amqpconnector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNopLoggerDiscardsEverything(t *testing.T) {
	var l Logger = nopLogger{}
	assert.Equal(t, LogLevelNone, l.Level())
	assert.NotPanics(t, func() { l.Log(LogLevelError, "should be discarded") })
}

func TestZapLoggerRespectsLevel(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	z := zap.New(core).Sugar()
	l := NewZapLogger(z, LogLevelWarn)

	l.Log(LogLevelDebug, "too verbose")
	l.Log(LogLevelWarn, "at threshold", "key", "value")
	l.Log(LogLevelError, "above threshold")

	entries := logs.All()
	require := func(ok bool) {
		if !ok {
			t.Fatalf("expected exactly the warn and error entries to be logged, got %d entries", len(entries))
		}
	}
	require(len(entries) == 2)
	assert.Equal(t, "at threshold", entries[0].Message)
	assert.Equal(t, "above threshold", entries[1].Message)
}
